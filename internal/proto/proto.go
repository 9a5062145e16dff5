// Package proto implements the coordinator's wire protocol: typed,
// self-delimiting frames (status, error, integer, bulk, array) over a byte
// stream. Commands are arrays of bulk payloads; length-prefixed framing
// keeps the stream binary-safe and lets clients pipeline without waiting
// for replies.
package proto

const (
	markStatus  = '+'
	markError   = '-'
	markInteger = ':'
	markBulk    = '$'
	markArray   = '*'
)

const (
	// DefaultMaxPayload caps a single bulk payload. Oversized frames from
	// hostile clients fail before any allocation of their claimed size.
	DefaultMaxPayload = 10 << 20

	// DefaultMaxArity caps array headers, command and reply alike.
	DefaultMaxArity = 1024
)

// Command names understood by the coordinator. Anything else answers a
// typed UNKNOWN error.
const (
	CmdAuth            = "AUTH"
	CmdPing            = "PING"
	CmdPlanSubmit      = "PLAN.SUBMIT"
	CmdPlanGet         = "PLAN.GET"
	CmdActionSubmit    = "ACTION.SUBMIT"
	CmdActionStatus    = "ACTION.STATUS"
	CmdJobClaim        = "JOB.CLAIM"
	CmdJobReport       = "JOB.REPORT"
	CmdJobStatus       = "JOB.STATUS"
	CmdWorkerRegister  = "WORKER.REGISTER"
	CmdWorkerHeartbeat = "WORKER.HEARTBEAT"
	CmdWorkerList      = "WORKER.LIST"
	CmdQueueStats      = "QUEUE.STATS"
	CmdScheduleSet     = "SCHEDULE.SET"
	CmdScheduleList    = "SCHEDULE.LIST"
	CmdScheduleDelete  = "SCHEDULE.DELETE"
)
