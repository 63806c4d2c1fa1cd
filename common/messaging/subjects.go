package messaging

import (
	"hash/fnv"
	"strconv"
	"strings"
)

// Header names set on published messages.
const (
	HeaderOrderingKey = "Ordering-Key"
	HeaderReceivedAt  = "Received-At"
	HeaderDLQReason   = "Dlq-Reason"
)

// PartitionFor maps an ordering key onto one of n partitions.
// Messages without a key go to partition 0; n < 1 is treated as 1.
func PartitionFor(orderingKey string, n int) int {
	if n <= 1 || orderingKey == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(orderingKey))
	return int(h.Sum32() % uint32(n))
}

// StreamName returns the stream backing a topic.
// Example: tweets.raw -> TWEETS_RAW
func StreamName(topic string) string {
	r := strings.NewReplacer(".", "_", "-", "_", "*", "_", ">", "_")
	return strings.ToUpper(r.Replace(topic))
}

// PartitionSubject returns the subject for one partition of a topic.
// Example: tweets.p.3
func PartitionSubject(topic string, partition int) string {
	return topic + ".p." + strconv.Itoa(partition)
}

// PartitionWildcard returns the subject filter covering every partition of a topic.
func PartitionWildcard(topic string) string {
	return topic + ".p.*"
}

// PartitionFromSubject extracts the partition number from a partition subject.
func PartitionFromSubject(subject string) (int, bool) {
	i := strings.LastIndex(subject, ".p.")
	if i < 0 {
		return 0, false
	}
	p, err := strconv.Atoi(subject[i+3:])
	if err != nil {
		return 0, false
	}
	return p, true
}

// DLQSubject returns the dead-letter subject for a topic and reason.
// Example: tweets.dlq.payload_too_large
func DLQSubject(topic, reason string) string {
	return topic + ".dlq." + reason
}

// DLQWildcard returns the subject filter covering all dead letters of a topic.
func DLQWildcard(topic string) string {
	return topic + ".dlq.>"
}
