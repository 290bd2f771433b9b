package sharding

import (
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"

	"github.com/todo-1m/taskchat/internal/contracts"
)

// ShardCount is the fixed number of partitions for change subjects.
const ShardCount = 1024

// SubjectPrefix is the root of every change subject.
const SubjectPrefix = "app.change"

// GetShardID calculates the deterministic shard ID for a given entity ID.
func GetShardID(entityID string) int {
	checksum := crc32.ChecksumIEEE([]byte(entityID))
	return int(checksum % ShardCount)
}

// Subject returns the NATS subject for a topic.
// Format: app.change.{shard_id}.{kind}.{id}
func Subject(topic contracts.Topic) string {
	return fmt.Sprintf("%s.%d.%s.%s", SubjectPrefix, GetShardID(topic.ID), topic.Kind, topic.ID)
}

// WildcardSubject matches every topic of every shard.
func WildcardSubject() string {
	return SubjectPrefix + ".>"
}

// TopicFromSubject reverses Subject. The shard token must match the topic ID.
func TopicFromSubject(subject string) (contracts.Topic, bool) {
	rest, ok := strings.CutPrefix(subject, SubjectPrefix+".")
	if !ok {
		return contracts.Topic{}, false
	}
	parts := strings.SplitN(rest, ".", 3)
	if len(parts) != 3 {
		return contracts.Topic{}, false
	}
	shard, err := strconv.Atoi(parts[0])
	if err != nil {
		return contracts.Topic{}, false
	}
	topic := contracts.Topic{Kind: parts[1], ID: parts[2]}
	if !topic.Valid() || GetShardID(topic.ID) != shard {
		return contracts.Topic{}, false
	}
	return topic, true
}
