package testutil

import (
	"io"

	"github.com/thruflo/memwatch/internal/logging"
)

// SampleProcStatus is a trimmed /proc/<pid>/status for pid 4242 with
// VmRSS 51200 kB and VmSize 204800 kB.
const SampleProcStatus = `Name:	python3
State:	S (sleeping)
Pid:	4242
VmPeak:	  210000 kB
VmSize:	  204800 kB
VmRSS:	   51200 kB
Threads:	4
`

// SampleMemoryCSV is monitor output: three samples for pid 7 a minute apart
// growing 100 kB each, and one sample for pid 8.
const SampleMemoryCSV = `timestamp,rss_kb,vms_kb,pid
2024-01-01T00:00:00Z,100,1000,7
2024-01-01T00:01:00Z,200,2000,7
2024-01-01T00:02:00Z,300,3000,7
2024-01-01T00:00:00Z,999,9999,8
`

// QuietLogger returns a logger that discards everything.
func QuietLogger() *logging.Logger {
	return logging.NewWriter(io.Discard, logging.LevelError)
}
