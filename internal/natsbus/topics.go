package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

// TopicWorkerComplete is the request/reply subject a completion backend
// serves for one worker.
func TopicWorkerComplete(workerID string) string {
	return fmt.Sprintf("worker.%s.complete", workerID)
}

func TopicIPC(callerID string) string {
	return fmt.Sprintf("host.ipc.%s", callerID)
}

func TopicEventsRun(runID string) string {
	return fmt.Sprintf("events.run.%s", runID)
}

func TopicEventsSchedule(scheduleID string) string {
	return fmt.Sprintf("events.schedule.%s", scheduleID)
}

const (
	TopicEventsAll       = "events.>"
	TopicEventsRuns      = "events.run.*"
	TopicEventsSchedules = "events.schedule.*"
	TopicIPCAll          = "host.ipc.*"
	TopicWorkerAll       = "worker.*.complete"
)
