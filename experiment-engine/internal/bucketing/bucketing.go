// Package bucketing maps an entity onto an experiment arm.
//
// The hash is part of the persisted contract: every assignment and outcome row
// carries Version, and changing the function re-buckets live entities. Introduce
// a new Version instead of editing Bucket.
package bucketing

import (
	"github.com/cespare/xxhash/v2"

	"github.com/fieldtofork/platform/experiment-engine/internal/models"
)

// Version identifies the hash function used by Bucket.
const Version = "xxh64-v1"

// Key builds the hashed input for a pair.
func Key(experimentID, entityID string) string {
	return experimentID + ":" + entityID
}

// Bucket returns A for an even hash and B for an odd one.
func Bucket(experimentID, entityID string) models.Variant {
	if xxhash.Sum64String(Key(experimentID, entityID))%2 == 0 {
		return models.VariantA
	}
	return models.VariantB
}
