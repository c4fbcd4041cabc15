package model

// NewsServer is one configured NNTP server entry. Level is the failover
// tier (0 = primary, higher = fallback); NormLevel is a computed, densely
// numbered index among currently active servers used by the scheduler and
// the server pool to group equivalent servers for blocklisting.
type NewsServer struct {
	ID   int64
	Name string

	Host     string
	Port     int
	User     string
	Password string
	TLS      bool

	JoinGroup bool

	MaxConnections int
	Level          int
	NormLevel      int
	GroupID        int

	Optional bool
	Retention int // days; 0 means unlimited

	Active bool
}

// EquivalentFor reports whether other is considered equivalent to n for
// failover-blocklisting purposes: same group id and same computed
// norm-level, so blocking one blocks its peers for the same article.
func (n *NewsServer) EquivalentFor(other *NewsServer) bool {
	if other == nil {
		return false
	}
	return n.GroupID == other.GroupID && n.NormLevel == other.NormLevel
}

// ConnectionStatus is the lifecycle state of one pooled NNTP connection.
type ConnectionStatus int

const (
	ConnectionStatusDisconnected ConnectionStatus = iota
	ConnectionStatusConnected
	ConnectionStatusListening
	ConnectionStatusCancelled
)

func (s ConnectionStatus) String() string {
	switch s {
	case ConnectionStatusConnected:
		return "CONNECTED"
	case ConnectionStatusListening:
		return "LISTENING"
	case ConnectionStatusCancelled:
		return "CANCELLED"
	default:
		return "DISCONNECTED"
	}
}
