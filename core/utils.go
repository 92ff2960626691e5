package core

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// GetSeed returns the seed for random number generation.
// A non-zero configured seed wins, then the RECALL_SEED environment variable,
// then the current time.
func GetSeed(configured int64) int64 {
	if configured != 0 {
		return configured
	}
	seedStr := os.Getenv("RECALL_SEED")
	if seedStr != "" {
		if seed, err := strconv.ParseInt(seedStr, 10, 64); err == nil {
			log.Info().Msgf("Using seed from RECALL_SEED value: %d", seed)
			return seed
		}
		log.Warn().Msgf("Failed to parse RECALL_SEED value: %s", seedStr)
	}

	seed := time.Now().UnixNano()
	log.Debug().Msgf("Using current time as seed: %d", seed)
	return seed
}
