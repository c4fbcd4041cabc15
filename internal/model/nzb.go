package model

import (
	"sync"
	"time"
)

// DupeMode controls how QueueAPI.AddNzb (through its DupeChecker, backed by
// internal/dupeindex) treats a newly ingested job against previously
// recorded dupe keys.
type DupeMode int

const (
	DupeModeScore DupeMode = iota
	DupeModeAll
	DupeModeForce
)

type ParStatus int

const (
	ParStatusNone ParStatus = iota
	ParStatusSkipped
	ParStatusFailure
	ParStatusSuccess
	ParStatusRepairPossible
	ParStatusManual
)

type UnpackStatus int

const (
	UnpackStatusNone UnpackStatus = iota
	UnpackStatusSkipped
	UnpackStatusFailure
	UnpackStatusSuccess
)

type MoveStatus int

const (
	MoveStatusNone MoveStatus = iota
	MoveStatusFailure
	MoveStatusSuccess
)

type RenameStatus int

const (
	RenameStatusNone RenameStatus = iota
	RenameStatusSkipped
	RenameStatusFailure
	RenameStatusSuccess
)

// DeleteStatus records why an NzbInfo is being removed, set by
// QueueAPI.DeleteGroups from its dupeDelete flag.
type DeleteStatus int

const (
	DeleteStatusNone DeleteStatus = iota
	DeleteStatusManual
	DeleteStatusDupe
	DeleteStatusGood
	DeleteStatusCopy
	DeleteStatusScan
)

// MarkStatus is set by QueueAPI.Mark (good/bad) and kept on the NzbInfo;
// the dupe index does not read it.
type MarkStatus int

const (
	MarkStatusNone MarkStatus = iota
	MarkStatusGood
	MarkStatusBad
)

// NZBParameter is a name/value pair carried on an NzbInfo, used to pass
// post-processing directives (out of scope here) through untouched.
type NZBParameter struct {
	Name  string
	Value string
}

// NZBParameterList is a small ordered name->value map matching the
// original's linear-scan-by-name semantics.
type NZBParameterList struct {
	mu     sync.RWMutex
	params []NZBParameter
}

func (l *NZBParameterList) SetParameter(name, value string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.params {
		if l.params[i].Name == name {
			l.params[i].Value = value
			return
		}
	}
	l.params = append(l.params, NZBParameter{Name: name, Value: value})
}

func (l *NZBParameterList) Find(name string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, p := range l.params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

func (l *NZBParameterList) All() []NZBParameter {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]NZBParameter, len(l.params))
	copy(out, l.params)
	return out
}

// ScriptStatus records the outcome of one post-processing script run.
type ScriptStatus struct {
	Name   string
	Status ScriptResult
}

type ScriptResult int

const (
	ScriptResultNone ScriptResult = iota
	ScriptResultFailure
	ScriptResultSuccess
)

// MessageKind classifies one line in an NzbInfo's bounded log buffer.
type MessageKind int

const (
	MessageInfo MessageKind = iota
	MessageWarning
	MessageError
	MessageDebug
	MessageDetail
)

// Message is one entry of an NzbInfo's bounded message log.
type Message struct {
	Kind MessageKind
	Time time.Time
	Text string
}

const maxMessageLogSize = 1000

// NzbKind says whether a job was ingested from an NZB file directly or is
// still a URL waiting for an external fetcher to produce one.
type NzbKind int

const (
	NzbKindNzb NzbKind = iota
	NzbKindURL
)

// NzbInfo is one submitted download job: the root of a FileInfo tree plus
// all bookkeeping the scheduler, writer and disk-state layers need.
type NzbInfo struct {
	ID   int64
	Kind NzbKind

	Filename      string
	URL           string
	DestDir       string
	FinalDir      string
	QueuedFilename string
	Name          string
	Category      string
	Priority      int

	DupeKey  string
	DupeScore int
	DupeMode DupeMode

	Size int64

	TotalArticles   int
	SuccessArticles int
	FailedArticles  int

	ParSize         int64
	ParSuccessSize  int64
	ParFailedSize   int64

	FullContentHash     uint32
	FilteredContentHash uint32

	ParStatus    ParStatus
	UnpackStatus UnpackStatus
	MoveStatus   MoveStatus
	RenameStatus RenameStatus
	DeleteStatus DeleteStatus
	MarkStatus   MarkStatus

	MinTime time.Time
	MaxTime time.Time

	Deleting             bool
	DeletePaused         bool
	ManyDupeFiles        bool
	UnpackCleanedUpDisk  bool
	HealthPaused         bool
	AddURLPaused         bool
	RequestParCheck      bool

	// AvoidHistory is set by a finalDelete (QueueAPI.DeleteGroups) so the
	// entry is dropped outright instead of retained in history.
	AvoidHistory bool

	Files       []*FileInfo
	ParkedFiles []*FileInfo

	CompletedFilenames *Dedup

	ServerStats map[int64]*ServerStat

	Parameters      NZBParameterList
	ScriptStatuses  []ScriptStatus

	mu       sync.Mutex
	messages []Message
}

// ServerStat is the per-server success/failure tally an NzbInfo accumulates
// across all its articles, surfaced in per-server health reporting.
type ServerStat struct {
	ServerID int64
	Success  int
	Failed   int
}

// NewNzbInfo returns an NzbInfo ready for insertion into the active queue.
func NewNzbInfo(id int64, filename string) *NzbInfo {
	return &NzbInfo{
		ID:                 id,
		Filename:           filename,
		DupeMode:           DupeModeScore,
		CompletedFilenames: NewDedup(10000),
		ServerStats:        make(map[int64]*ServerStat),
	}
}

// RecomputeTotals restores the size and article-count sums over Files.
func (n *NzbInfo) RecomputeTotals() {
	var size int64
	var total, success, failed int
	for _, f := range n.Files {
		size += f.Size
		total += f.TotalArticles()
		for _, a := range f.Articles {
			switch a.Status {
			case ArticleStatusFinished:
				success++
			case ArticleStatusFailed:
				failed++
			}
		}
	}
	n.Size = size
	n.TotalArticles = total
	n.SuccessArticles = success
	n.FailedArticles = failed
}

// HealthPercent reports the success ratio used in the completion log line.
func (n *NzbInfo) HealthPercent() float64 {
	if n.TotalArticles == 0 {
		return 100
	}
	return 100 * float64(n.SuccessArticles) / float64(n.TotalArticles)
}

// IsFullyDownloaded reports whether every file's articles have all reached
// a terminal state (used by the scheduler to hand the job to history).
func (n *NzbInfo) IsFullyDownloaded() bool {
	for _, f := range n.Files {
		if !f.IsComplete() {
			return false
		}
	}
	return true
}

// AppendMessage adds a line to the bounded message log, dropping the oldest
// entry once the buffer is full.
func (n *NzbInfo) AppendMessage(kind MessageKind, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, Message{Kind: kind, Time: time.Now(), Text: text})
	if len(n.messages) > maxMessageLogSize {
		n.messages = n.messages[len(n.messages)-maxMessageLogSize:]
	}
}

// RestoreMessages replaces the message log wholesale, used by DiskState when
// reloading a persisted job.
func (n *NzbInfo) RestoreMessages(msgs []Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages[:0], msgs...)
	if len(n.messages) > maxMessageLogSize {
		n.messages = n.messages[len(n.messages)-maxMessageLogSize:]
	}
}

// LockMessages returns a snapshot copy of the message log. The original
// exposes Lock/Unlock directly; a snapshot is the race-free Go equivalent.
func (n *NzbInfo) LockMessages() []Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Message, len(n.messages))
	copy(out, n.messages)
	return out
}

// RecordServerOutcome updates this job's per-server statistics table.
func (n *NzbInfo) RecordServerOutcome(serverID int64, success bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	st, ok := n.ServerStats[serverID]
	if !ok {
		st = &ServerStat{ServerID: serverID}
		n.ServerStats[serverID] = st
	}
	if success {
		st.Success++
	} else {
		st.Failed++
	}
}
