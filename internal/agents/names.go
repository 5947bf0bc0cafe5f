package agents

import "math/rand"

// Word lists for human-readable agent names like "swift-fox".
var adjectives = []string{
	"swift", "bright", "calm", "bold", "keen", "warm", "cool", "wild",
	"sage", "fair", "blue", "red", "green", "gold", "silver", "quiet",
	"quick", "brave", "wise", "kind",
}

var nouns = []string{
	"fox", "owl", "wolf", "bear", "hawk", "deer", "lynx", "crow",
	"dove", "swan", "oak", "pine", "fern", "moss", "sage", "star",
	"moon", "wind", "rain", "snow",
}

func generateName() string {
	return adjectives[rand.Intn(len(adjectives))] + "-" + nouns[rand.Intn(len(nouns))]
}
