// Package monitoring serves the state of running nodes over HTTP.
//
// A Monitor is a hook. Attached to the networks and detectors of a
// process, it keeps a snapshot per rank and a short log of recent events
// that the API and the bundled web page show.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/rs/xid"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/distmc/quiesce/hooking"
	"github.com/distmc/quiesce/monitoring/web"
	"github.com/distmc/quiesce/termination"
	"github.com/distmc/quiesce/transport"
)

// MaxEvents is the number of recent events a Monitor keeps.
const MaxEvents = 256

// NodeStatus is the snapshot of one rank.
type NodeStatus struct {
	Rank            int       `json:"rank"`
	Phase           string    `json:"phase"`
	Round           int       `json:"round"`
	RoundsStarted   int64     `json:"rounds_started"`
	RoundsAborted   int64     `json:"rounds_aborted"`
	RoundsCompleted int64     `json:"rounds_completed"`
	Flushes         int64     `json:"flushes"`
	FlushedMsgs     int64     `json:"flushed_msgs"`
	FlushedBytes    int64     `json:"flushed_bytes"`
	UrgentSends     int64     `json:"urgent_sends"`
	Received        int64     `json:"received"`
	LastToken       string    `json:"last_token"`
	Updated         time.Time `json:"updated"`
}

// Event is one hook event seen by the monitor.
type Event struct {
	Time   time.Time `json:"time"`
	Rank   int       `json:"rank"`
	Pos    string    `json:"pos"`
	Detail string    `json:"detail"`
}

type ranked interface {
	Rank() int
}

// Monitor can turn a node into a server and allows external monitoring of
// the node.
type Monitor struct {
	mu         sync.Mutex
	nodes      map[int]*NodeStatus
	events     []Event
	components map[string]any

	portNumber  int
	openBrowser bool
	server      *http.Server

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{
		nodes:      make(map[int]*NodeStatus),
		components: make(map[string]any),
	}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithOpenBrowser makes StartServer open the web page.
func (m *Monitor) WithOpenBrowser(open bool) *Monitor {
	m.openBrowser = open
	return m
}

// RegisterComponent makes an object inspectable under a name.
func (m *Monitor) RegisterComponent(name string, c any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.components[name] = c
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        xid.New().String(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar to be shown on the webpage.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

func (m *Monitor) node(rank int) *NodeStatus {
	s, ok := m.nodes[rank]
	if !ok {
		s = &NodeStatus{Rank: rank, Phase: termination.PhaseUnarmed.String()}
		m.nodes[rank] = s
	}

	return s
}

// Func updates the snapshot of the rank that triggered the hook.
func (m *Monitor) Func(ctx hooking.HookCtx) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	rank := -1
	detail := ""

	switch item := ctx.Item.(type) {
	case transport.FlushInfo:
		if d, ok := ctx.Domain.(ranked); ok {
			rank = d.Rank()
		}

		s := m.node(rank)
		if ctx.Pos == transport.HookPosUrgentSend {
			s.UrgentSends++
		} else {
			s.Flushes++
			s.FlushedMsgs += int64(item.Msgs)
			s.FlushedBytes += int64(item.Bytes)
		}

		s.Updated = now
		detail = fmt.Sprintf("to %d: %d msgs, %d bytes", item.Dest, item.Msgs, item.Bytes)
	case transport.Header:
		if d, ok := ctx.Domain.(ranked); ok {
			rank = d.Rank()
		}

		s := m.node(rank)
		s.Received++
		s.Updated = now

		return
	case termination.RoundInfo:
		rank = item.Rank

		s := m.node(rank)
		s.Phase = item.Phase.String()
		s.Round = item.Round
		s.LastToken = item.Token.String()
		s.Updated = now

		switch ctx.Pos {
		case termination.HookPosLapStart:
			if item.Phase == termination.PhaseLap1 {
				s.RoundsStarted++
			}
		case termination.HookPosRoundAbort:
			s.RoundsAborted++
		case termination.HookPosRoundComplete:
			s.RoundsCompleted++
		}

		detail = item.Token.String()
	default:
		return
	}

	m.events = append(m.events, Event{
		Time:   now,
		Rank:   rank,
		Pos:    ctx.Pos.Name,
		Detail: detail,
	})

	if len(m.events) > MaxEvents {
		m.events = append(m.events[:0], m.events[len(m.events)-MaxEvents:]...)
	}
}

// Status returns a copy of the snapshots ordered by rank.
func (m *Monitor) Status() []NodeStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := make([]NodeStatus, 0, len(m.nodes))
	for _, s := range m.nodes {
		status = append(status, *s)
	}

	sort.Slice(status, func(i, j int) bool {
		return status[i].Rank < status[j].Rank
	})

	return status
}

// Router returns the HTTP routes of the monitor.
func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()

	fServer := http.FileServer(web.GetAssets())
	r.HandleFunc("/api/status", m.listStatus)
	r.HandleFunc("/api/events", m.listEvents)
	r.HandleFunc("/api/list_components", m.listComponents)
	r.HandleFunc("/api/component/{name}", m.listComponentDetails)
	r.HandleFunc("/api/field/{json}", m.listFieldValue)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.PathPrefix("/").Handler(fServer)

	return r
}

// StartServer starts the monitor as a web server and returns its address.
func (m *Monitor) StartServer() string {
	actualPort := "127.0.0.1:0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	port := listener.Addr().(*net.TCPAddr).Port
	url := fmt.Sprintf("http://localhost:%d", port)

	fmt.Fprintf(os.Stderr, "Monitoring node with %s\n", url)

	m.server = &http.Server{
		Handler:           m.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		err := m.server.Serve(listener)
		if err != http.ErrServerClosed {
			dieOnErr(err)
		}
	}()

	if m.openBrowser {
		if err := browser.OpenURL(url); err != nil {
			fmt.Fprintf(os.Stderr, "Cannot open a browser: %v\n", err)
		}
	}

	return listener.Addr().String()
}

// Close stops the server.
func (m *Monitor) Close() error {
	if m.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return m.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func (m *Monitor) listStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, m.Status())
}

func (m *Monitor) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := MaxEvents

	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "Invalid limit: %s", s)

			return
		}

		limit = n
	}

	m.mu.Lock()
	events := m.events
	if len(events) > limit {
		events = events[len(events)-limit:]
	}

	events = append([]Event{}, events...)
	m.mu.Unlock()

	writeJSON(w, events)
}

func (m *Monitor) listComponents(w http.ResponseWriter, _ *http.Request) {
	m.mu.Lock()
	names := make([]string, 0, len(m.components))
	for name := range m.components {
		names = append(names, name)
	}
	m.mu.Unlock()

	sort.Strings(names)

	writeJSON(w, names)
}

func (m *Monitor) listComponentDetails(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	component := m.findComponentOr404(w, name)
	if component == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(component)
	serializer.SetMaxDepth(1)
	err := serializer.Serialize(w)

	dieOnErr(err)
}

type fieldReq struct {
	CompName  string `json:"comp_name,omitempty"`
	FieldName string `json:"field_name,omitempty"`
}

func (m *Monitor) listFieldValue(w http.ResponseWriter, r *http.Request) {
	jsonString := mux.Vars(r)["json"]
	req := fieldReq{}

	err := json.Unmarshal([]byte(jsonString), &req)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	component := m.findComponentOr404(w, req.CompName)
	if component == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(component)
	serializer.SetMaxDepth(1)

	err = serializer.SetEntryPoint(strings.Split(req.FieldName, "."))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	err = serializer.Serialize(w)
	dieOnErr(err)
}

func (m *Monitor) findComponentOr404(
	w http.ResponseWriter,
	name string,
) any {
	m.mu.Lock()
	component := m.components[name]
	m.mu.Unlock()

	if component == nil {
		w.WriteHeader(http.StatusNotFound)
		_, err := w.Write([]byte("Component not found"))
		dieOnErr(err)
	}

	return component
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	bars := make([]ProgressBarStatus, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		bars = append(bars, b.Status())
	}
	m.progressBarsLock.Unlock()

	writeJSON(w, bars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	dieOnErr(err)

	memorySize, err := process.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	})
}

// collectProfile samples the CPU for the duration given by the seconds
// query parameter, one second by default.
func (m *Monitor) collectProfile(w http.ResponseWriter, r *http.Request) {
	duration := time.Second

	if s := r.URL.Query().Get("seconds"); s != "" {
		sec, err := strconv.ParseFloat(s, 64)
		if err != nil || sec <= 0 || sec > 60 {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "Invalid duration: %s", s)

			return
		}

		duration = time.Duration(sec * float64(time.Second))
	}

	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	time.Sleep(duration)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
