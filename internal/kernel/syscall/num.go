package syscall

// Num identifies one syscall. The numbering is sparse by domain: low
// numbers are console-era calls, 30s process lifecycle, 70s handles, 90s
// IPC, 110s threads, 120 futex, 140s directory mutation.
type Num uint64

const (
	NumPipe           Num = 5
	NumClockMonotonic Num = 26
	NumGetrandom      Num = 27

	NumExec    Num = 30
	NumSpawn   Num = 31
	NumYield   Num = 32
	NumSleep   Num = 33
	NumWait    Num = 34
	NumGetpid  Num = 35
	NumKill    Num = 36
	NumGetenv  Num = 37
	NumSetenv  Num = 38
	NumListenv Num = 39

	NumExit Num = 60

	NumOpen           Num = 70
	NumHandleRead     Num = 71
	NumHandleWrite    Num = 72
	NumHandleClose    Num = 73
	NumOpenAt         Num = 74
	NumRestrictRights Num = 75
	NumHandleEnum     Num = 76
	NumHandleStat     Num = 77
	NumHandleSeek     Num = 78

	NumIPCSend       Num = 90
	NumIPCRecv       Num = 91
	NumIPCCancel     Num = 92
	NumIPCSendHandle Num = 93
	NumIPCRecvHandle Num = 94
	NumIPCRecvFrom   Num = 95

	NumThreadCreate Num = 110
	NumThreadExit   Num = 111
	NumThreadJoin   Num = 112

	NumFutex Num = 120

	NumHandleCreateFile Num = 140
	NumHandleUnlink     Num = 141
	NumHandleMkdir      Num = 142

	NumWaitpid Num = 150
)

var names = map[Num]string{
	NumPipe:             "pipe",
	NumClockMonotonic:   "clock_monotonic",
	NumGetrandom:        "getrandom",
	NumExec:             "exec",
	NumSpawn:            "spawn",
	NumYield:            "yield",
	NumSleep:            "sleep",
	NumWait:             "wait",
	NumGetpid:           "getpid",
	NumKill:             "kill",
	NumGetenv:           "getenv",
	NumSetenv:           "setenv",
	NumListenv:          "listenv",
	NumExit:             "exit",
	NumOpen:             "open",
	NumHandleRead:       "handle_read",
	NumHandleWrite:      "handle_write",
	NumHandleClose:      "handle_close",
	NumOpenAt:           "openat",
	NumRestrictRights:   "restrict_rights",
	NumHandleEnum:       "handle_enum",
	NumHandleStat:       "handle_stat",
	NumHandleSeek:       "handle_seek",
	NumIPCSend:          "ipc_send",
	NumIPCRecv:          "ipc_recv",
	NumIPCCancel:        "ipc_cancel",
	NumIPCSendHandle:    "ipc_send_handle",
	NumIPCRecvHandle:    "ipc_recv_handle",
	NumIPCRecvFrom:      "ipc_recv_from",
	NumThreadCreate:     "thread_create",
	NumThreadExit:       "thread_exit",
	NumThreadJoin:       "thread_join",
	NumFutex:            "futex",
	NumHandleCreateFile: "handle_create_file",
	NumHandleUnlink:     "handle_unlink",
	NumHandleMkdir:      "handle_mkdir",
	NumWaitpid:          "waitpid",
}

// String returns the name used in logs and metric labels.
func (n Num) String() string {
	if s, ok := names[n]; ok {
		return s
	}
	return "unknown"
}
