package identifier

// Curated vocabulary for human-pronounceable session ids. Both lists stay
// above 100 entries so the id space (adjectives x nouns x 900) is large
// enough that collisions are rare and retries cheap.

var adjectives = []string{
	"amber", "ancient", "autumn", "azure", "billowing", "bitter", "black",
	"blue", "bold", "brave", "bright", "broad", "bronze", "calm", "cheerful",
	"clear", "clever", "cold", "cool", "coral", "cosmic", "crimson", "curly",
	"damp", "dawn", "deep", "delicate", "divine", "dry", "eager", "early",
	"emerald", "empty", "fancy", "fast", "fierce", "floral", "flying",
	"fragrant", "free", "fresh", "frosty", "gentle", "gifted", "golden",
	"graceful", "green", "happy", "hazy", "hidden", "holy", "humble", "icy",
	"indigo", "jolly", "keen", "kind", "large", "late", "lingering", "little",
	"lively", "long", "loud", "lucky", "mellow", "merry", "mighty", "misty",
	"morning", "muddy", "nameless", "noble", "odd", "old", "orange", "patient",
	"plain", "polished", "proud", "purple", "quiet", "rapid", "red",
	"restless", "rough", "round", "royal", "rustic", "scarlet", "serene",
	"shiny", "shy", "silent", "silver", "small", "snowy", "soft", "solitary",
	"sparkling", "spring", "steady", "still", "summer", "swift", "tender",
	"throbbing", "tidy", "twilight", "vivid", "wandering", "warm", "weathered",
	"white", "wild", "winter", "wispy", "withered", "yellow", "young",
}

var nouns = []string{
	"anchor", "aurora", "bamboo", "basin", "beacon", "bird", "blossom",
	"breeze", "brook", "bush", "butterfly", "canyon", "cedar", "cherry",
	"cliff", "cloud", "coast", "comet", "coral", "crane", "creek", "crest",
	"dawn", "dew", "dream", "dust", "eagle", "ember", "falcon", "feather",
	"fern", "field", "fire", "firefly", "flower", "fog", "forest", "fox",
	"frog", "frost", "garden", "glacier", "glade", "grass", "grove", "harbor",
	"haze", "heron", "hill", "island", "lagoon", "lake", "lantern", "leaf",
	"lily", "lotus", "meadow", "mist", "moon", "morning", "moss", "mountain",
	"night", "oak", "ocean", "orchid", "owl", "paper", "peak", "pebble",
	"pine", "plateau", "pond", "prairie", "rain", "raven", "reef", "resonance",
	"ridge", "river", "rock", "rose", "sand", "sea", "shadow", "shape",
	"silence", "sky", "smoke", "snow", "sound", "sparrow", "spring", "star",
	"stone", "storm", "stream", "summit", "sun", "sunset", "surf", "swan",
	"thunder", "tide", "tree", "valley", "violet", "voice", "water",
	"waterfall", "wave", "whale", "wildflower", "willow", "wind", "wood",
}

// defaultBlocklist removes words that read poorly next to certain
// neighbors or clash with reserved route segments.
var defaultBlocklist = []string{
	"admin", "api", "health", "metrics", "null", "test", "undefined", "ws",
}
