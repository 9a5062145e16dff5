package queued

import "strings"

// Key layout inside the store. Records live in the key space under a type
// prefix; each queue owns a ready list and a processing list.
const (
	planPrefix     = "plan:"
	jobPrefix      = "job:"
	actionPrefix   = "action:"
	workerPrefix   = "worker:"
	schedulePrefix = "schedule:"

	queueListPrefix  = "queue:"
	readySuffix      = ":ready"
	processingSuffix = ":processing"
)

func planKey(id string) string       { return planPrefix + id }
func jobKey(id string) string        { return jobPrefix + id }
func actionKey(id string) string     { return actionPrefix + id }
func workerKey(id string) string     { return workerPrefix + id }
func scheduleKey(name string) string { return schedulePrefix + name }

func readyList(queue string) string      { return queueListPrefix + queue + readySuffix }
func processingList(queue string) string { return queueListPrefix + queue + processingSuffix }

// queueOfProcessing extracts the queue name from a processing list name.
func queueOfProcessing(list string) (string, bool) {
	if !strings.HasPrefix(list, queueListPrefix) || !strings.HasSuffix(list, processingSuffix) {
		return "", false
	}
	return list[len(queueListPrefix) : len(list)-len(processingSuffix)], true
}

// queueOfReady extracts the queue name from a ready list name.
func queueOfReady(list string) (string, bool) {
	if !strings.HasPrefix(list, queueListPrefix) || !strings.HasSuffix(list, readySuffix) {
		return "", false
	}
	return list[len(queueListPrefix) : len(list)-len(readySuffix)], true
}
