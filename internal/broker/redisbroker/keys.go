package redisbroker

// Redis key naming. All keys share the "jobrelay:" prefix.

const keyPrefix = "jobrelay:"

// jobKey returns the Hash key of a job record: jobrelay:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// queueKey returns the List key of a queue: jobrelay:queue:{name}
func queueKey(name string) string { return keyPrefix + "queue:" + name }

// startedKey returns the Sorted Set of started jobs on a queue, scored by
// last heartbeat: jobrelay:started:{name}
func startedKey(name string) string { return keyPrefix + "started:" + name }
