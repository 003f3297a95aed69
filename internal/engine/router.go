package engine

import (
	"github.com/spaolacci/murmur3"

	"kestrel/pkg/models"
)

// homePartition maps an entity key to its owning partition. Every event
// for an entity lands on the same partition, which is what makes
// sequence state single-owner.
func homePartition(key models.EntityKey, partitions int) int {
	return int(murmur3.Sum64(key[:]) % uint64(partitions))
}
