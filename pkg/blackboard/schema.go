package blackboard

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name so that
// several Flock instances can coexist on a single Redis server.
//
// Key pattern: flock:{instance_name}:{entity}:{id}
// Channel pattern: flock:{instance_name}:{event_type}_events

// ArtifactKey returns the Redis key for an artifact hash.
// Pattern: flock:{instance_name}:artifact:{artifact_id}
func ArtifactKey(instanceName, artifactID string) string {
	return fmt.Sprintf("flock:%s:artifact:%s", instanceName, artifactID)
}

// ConsumedKey returns the Redis key for the set of agents that consumed an artifact.
// Pattern: flock:{instance_name}:artifact:{artifact_id}:consumed
func ConsumedKey(instanceName, artifactID string) string {
	return fmt.Sprintf("flock:%s:artifact:%s:consumed", instanceName, artifactID)
}

// SeqKey returns the Redis key of the append sequence counter.
// Pattern: flock:{instance_name}:seq
func SeqKey(instanceName string) string {
	return fmt.Sprintf("flock:%s:seq", instanceName)
}

// LogKey returns the Redis key of the append-only log ZSET (member id, score seq).
// Pattern: flock:{instance_name}:log
func LogKey(instanceName string) string {
	return fmt.Sprintf("flock:%s:log", instanceName)
}

// TypeIndexKey returns the Redis key of the per-type index ZSET.
// Pattern: flock:{instance_name}:type:{type}
func TypeIndexKey(instanceName, artifactType string) string {
	return fmt.Sprintf("flock:%s:type:%s", instanceName, artifactType)
}

// ArtifactEventsChannel returns the Pub/Sub channel announcing appended artifacts.
// Pattern: flock:{instance_name}:artifact_events
func ArtifactEventsChannel(instanceName string) string {
	return fmt.Sprintf("flock:%s:artifact_events", instanceName)
}
