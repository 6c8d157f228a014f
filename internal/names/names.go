package names

import "math/rand/v2"

// Adjective + noun components. Each pair yields a short CamelCase agent name
// such as "GreenCastle" that reads well in mail headers and tmux titles.
var (
	adjectives = []string{
		"Amber", "Azure", "Bold", "Brave", "Bright", "Brisk", "Calm", "Clever",
		"Coral", "Crimson", "Dusky", "Eager", "Fierce", "Gentle", "Golden", "Green",
		"Hidden", "Honest", "Indigo", "Jolly", "Keen", "Lively", "Lucky", "Mellow",
		"Misty", "Nimble", "Noble", "Olive", "Patient", "Proud", "Quiet", "Rapid",
		"Rosy", "Rustic", "Silent", "Silver", "Steady", "Sunny", "Swift", "Tidy",
		"Violet", "Wise",
	}

	nouns = []string{
		"Anchor", "Badger", "Beacon", "Bridge", "Brook", "Canyon", "Castle", "Cedar",
		"Comet", "Cove", "Falcon", "Fern", "Forge", "Fox", "Glacier", "Harbor",
		"Hawk", "Heron", "Hill", "Island", "Lake", "Lantern", "Meadow", "Mesa",
		"Otter", "Owl", "Pine", "Pond", "Prairie", "Raven", "Ridge", "River",
		"Snow", "Sparrow", "Stone", "Summit", "Tower", "Valley", "Willow", "Wolf",
	}
)

// Generate returns a random adjective+noun name.
func Generate() string {
	return adjectives[rand.IntN(len(adjectives))] + nouns[rand.IntN(len(nouns))]
}

// Capacity is the number of distinct names Generate can produce.
func Capacity() int {
	return len(adjectives) * len(nouns)
}
