// Package monitoring turns a running scheduling core into a small HTTP
// server for external inspection: pending events, diagnostic counters,
// process resources, and CPU profiles.
package monitoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"sync"
	"time"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/torqlab/crank/scheduling"
	"github.com/torqlab/crank/trigger"
)

// Monitor exposes the state of an executor and a set of trigger schedulers
// over HTTP.
type Monitor struct {
	executor   *scheduling.VirtualExecutor
	portNumber int

	schedulersLock sync.Mutex
	schedulers     []*trigger.Scheduler
}

// NewMonitor creates a new Monitor.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n",
			portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterExecutor registers the executor whose clock and queue are
// monitored.
func (m *Monitor) RegisterExecutor(e *scheduling.VirtualExecutor) {
	m.executor = e
}

// RegisterScheduler registers a scheduler to be monitored.
func (m *Monitor) RegisterScheduler(s *trigger.Scheduler) {
	m.schedulersLock.Lock()
	defer m.schedulersLock.Unlock()

	m.schedulers = append(m.schedulers, s)
}

// StartServer starts the monitor as a web server, on a random port unless
// one was configured. Setting CRANK_MONITOR_OPEN=1 also opens the API root
// in a browser.
func (m *Monitor) StartServer() {
	r := mux.NewRouter()
	r.HandleFunc("/api/now", m.now)
	r.HandleFunc("/api/schedulers", m.listSchedulers)
	r.HandleFunc("/api/scheduler/{name}", m.schedulerDetails)
	r.HandleFunc("/api/pending/{name}", m.listPending)
	r.HandleFunc("/api/counters", m.listCounters)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	http.Handle("/", r)

	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	fmt.Fprintf(os.Stderr, "Monitoring scheduling core with %s\n", url)

	if os.Getenv("CRANK_MONITOR_OPEN") == "1" {
		_ = browser.OpenURL(url + "/api/schedulers")
	}

	go func() {
		err = http.Serve(listener, nil)
		dieOnErr(err)
	}()
}

func (m *Monitor) now(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprintf(w, "{\"now\":%.9f}", m.executor.Now())
}

func (m *Monitor) listSchedulers(w http.ResponseWriter, _ *http.Request) {
	m.schedulersLock.Lock()
	defer m.schedulersLock.Unlock()

	fmt.Fprint(w, "[")
	for i, s := range m.schedulers {
		if i > 0 {
			fmt.Fprint(w, ",")
		}

		fmt.Fprintf(w, "\"%s\"", s.Name())
	}
	fmt.Fprint(w, "]")
}

func (m *Monitor) schedulerDetails(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	s := m.findSchedulerOr404(w, name)
	if s == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(s)
	serializer.SetMaxDepth(1)
	err := serializer.Serialize(w)

	dieOnErr(err)
}

type pendingRsp struct {
	Kind        string  `json:"kind"`
	ToothIndex  uint32  `json:"tooth_index,omitempty"`
	AngleOffset float64 `json:"angle_offset,omitempty"`
	EnginePhase float64 `json:"engine_phase,omitempty"`
}

func (m *Monitor) listPending(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	s := m.findSchedulerOr404(w, name)
	if s == nil {
		return
	}

	pending := []pendingRsp{}
	for i := 0; ; i++ {
		e := s.PendingAt(i)
		if e == nil {
			break
		}

		entry := pendingRsp{}
		switch e.Kind() {
		case trigger.KindToothIndex:
			entry.Kind = "tooth_index"
			entry.ToothIndex = e.ToothIndex()
			entry.AngleOffset = float64(e.AngleOffset())
		case trigger.KindEnginePhase:
			entry.Kind = "engine_phase"
			entry.EnginePhase = float64(e.EnginePhase())
		}

		pending = append(pending, entry)
	}

	rsp, err := json.Marshal(pending)
	dieOnErr(err)

	_, err = w.Write(rsp)
	dieOnErr(err)
}

type counterRsp struct {
	Scheduler  string `json:"scheduler"`
	Pending    int    `json:"pending"`
	EventReuse uint32 `json:"event_reuse"`
	Failed     bool   `json:"failed"`
}

func (m *Monitor) listCounters(w http.ResponseWriter, _ *http.Request) {
	m.schedulersLock.Lock()
	defer m.schedulersLock.Unlock()

	counters := make([]counterRsp, 0, len(m.schedulers))
	for _, s := range m.schedulers {
		counters = append(counters, counterRsp{
			Scheduler:  s.Name(),
			Pending:    s.PendingCount(),
			EventReuse: s.EventReuseCount(),
			Failed:     s.Failed(),
		})
	}

	rsp, err := json.Marshal(counters)
	dieOnErr(err)

	_, err = w.Write(rsp)
	dieOnErr(err)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	proc, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := proc.CPUPercent()
	dieOnErr(err)

	memorySize, err := proc.MemoryInfo()
	dieOnErr(err)

	rsp := resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	}

	data, err := json.Marshal(rsp)
	dieOnErr(err)

	_, err = w.Write(data)
	dieOnErr(err)
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	dieOnErr(err)

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	data, err := json.Marshal(prof)
	dieOnErr(err)

	_, err = w.Write(data)
	dieOnErr(err)
}

func (m *Monitor) findSchedulerOr404(
	w http.ResponseWriter,
	name string,
) *trigger.Scheduler {
	m.schedulersLock.Lock()
	defer m.schedulersLock.Unlock()

	for _, s := range m.schedulers {
		if s.Name() == name {
			return s
		}
	}

	w.WriteHeader(http.StatusNotFound)
	_, err := w.Write([]byte("Scheduler not found"))
	dieOnErr(err)

	return nil
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
