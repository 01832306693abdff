package verify

// wordList is the fixed 256-entry list used for verification phrases.
// Changing it breaks compatibility with peers running older builds.
var wordList = []string{
	"acid", "acorn", "actor", "adapt", "adobe", "aged", "agile", "aim",
	"alarm", "album", "alley", "alpha", "amber", "angle", "ankle", "antenna",
	"apple", "april", "arch", "arena", "argon", "armor", "arrow", "ash",
	"aspen", "atlas", "atom", "autumn", "avenue", "axis", "bacon", "badge",
	"baker", "bamboo", "banjo", "barrel", "basalt", "basin", "baton", "bay",
	"beacon", "beam", "bear", "beech", "bell", "bench", "berry", "birch",
	"bison", "blade", "blaze", "block", "bloom", "boat", "bolt", "bonfire",
	"book", "boot", "border", "bottle", "boulder", "bow", "brass", "brave",
	"brick", "bridge", "bronze", "brook", "broom", "brush", "bucket", "bugle",
	"bulb", "bundle", "bunker", "burrow", "butter", "cabin", "cable", "cactus",
	"camel", "camera", "candle", "canoe", "canvas", "canyon", "carbon", "cargo",
	"carpet", "castle", "cedar", "cello", "chalk", "chapel", "charm", "chart",
	"cherry", "chess", "chief", "chime", "cider", "cinder", "circle", "citrus",
	"clay", "cliff", "clock", "clover", "coal", "cobalt", "coconut", "coil",
	"colt", "comet", "compass", "copper", "coral", "cork", "corn", "cotton",
	"cougar", "cove", "crane", "crater", "creek", "crest", "cricket", "crystal",
	"cube", "cypress", "dagger", "dahlia", "daisy", "delta", "denim", "desert",
	"dew", "diamond", "dome", "door", "dory", "dove", "draft", "dragon",
	"drift", "drum", "dune", "dusk", "eagle", "earth", "echo", "eclipse",
	"eel", "elbow", "elder", "elk", "elm", "ember", "emerald", "engine",
	"envoy", "ferry", "fiddle", "field", "fig", "finch", "fjord", "flame",
	"flint", "flood", "flora", "flute", "foam", "forest", "forge", "fossil",
	"fox", "frost", "gala", "galaxy", "garden", "garnet", "gate", "gecko",
	"geyser", "ginger", "glacier", "glade", "glass", "glow", "gold", "gorge",
	"granite", "grape", "gravel", "grove", "gull", "gust", "hall", "hammer",
	"harbor", "harp", "hawk", "hazel", "heron", "hill", "holly", "honey",
	"hood", "horizon", "hound", "ice", "ink", "iris", "iron", "island",
	"ivory", "ivy", "jade", "jasper", "jet", "jungle", "juniper", "kayak",
	"kelp", "kettle", "kite", "lagoon", "lake", "lantern", "larch", "lark",
	"lava", "leaf", "ledge", "lemon", "lilac", "lily", "lime", "linen",
	"lion", "lotus", "lunar", "lynx", "maple", "marble", "marsh", "mason",
	"meadow", "mesa", "mint", "mist", "moss", "moth", "newt", "north",
}
