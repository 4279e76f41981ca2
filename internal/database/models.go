package database

import "time"

// Instance status values. The column carries a CHECK constraint so nothing
// can introduce a fifth state behind the reconciler's back.
const (
	StatusIdle     = "idle"
	StatusWorking  = "working"
	StatusAwaiting = "awaiting"
	StatusError    = "error"
)

// ValidStatus reports whether s is one of the four instance states.
func ValidStatus(s string) bool {
	switch s {
	case StatusIdle, StatusWorking, StatusAwaiting, StatusError:
		return true
	}
	return false
}

// Port forward lifecycle states.
const (
	ForwardActive       = "active"
	ForwardReconnecting = "reconnecting"
	ForwardClosed       = "closed"
	ForwardFailed       = "failed"
)

// Remote machine liveness, refreshed by the remote poller.
const (
	MachineUnknown = "unknown"
	MachineOnline  = "online"
	MachineOffline = "offline"
)

// Instance is one managed terminal session. The row is durable; the backend
// process behind it is not and is respawned lazily after a restart. MachineID
// nil means the instance is bound to the local host.
type Instance struct {
	ID             string     `gorm:"primaryKey" json:"id"`
	Name           string     `gorm:"not null" json:"name"`
	WorkingDir     string     `gorm:"not null" json:"workingDir"`
	MachineID      *uint      `gorm:"index" json:"machineId"`
	Status         string     `gorm:"not null;default:idle;check:status IN ('idle','working','awaiting','error')" json:"status"`
	Pinned         bool       `gorm:"not null;default:false" json:"pinned"`
	DisplayOrder   int        `gorm:"not null;default:0" json:"displayOrder"`
	Pid            *int       `json:"pid"`
	LastCwd        *string    `json:"lastCwd"`
	LastActivityAt *time.Time `json:"lastActivityAt"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
	ClosedAt       *time.Time `json:"closedAt"`

	Machine *RemoteMachine `gorm:"foreignKey:MachineID" json:"machine,omitempty"`
}

// RemoteMachine is an SSH target instances can be bound to.
type RemoteMachine struct {
	ID                 uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	Name               string     `gorm:"uniqueIndex;not null" json:"name"`
	Host               string     `gorm:"not null" json:"host"`
	Port               int        `gorm:"not null;default:22" json:"port"`
	Username           string     `gorm:"not null;default:root" json:"username"`
	KeyPath            *string    `json:"keyPath"`
	ForwardCredentials bool       `gorm:"not null;default:false" json:"forwardCredentials"`
	Status             string     `gorm:"not null;default:unknown;check:status IN ('unknown','online','offline')" json:"status"`
	LastConnectedAt    *time.Time `json:"lastConnectedAt"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
}

// PortForward is one supervised tunnel (local listener forwarding into the
// instance's machine). Rows outlive the process; the boot sweep closes
// whatever the previous process left behind.
type PortForward struct {
	ID                uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	InstanceID        string    `gorm:"index;not null" json:"instanceId"`
	RemotePort        int       `gorm:"not null" json:"remotePort"`
	LocalPort         int       `gorm:"not null" json:"localPort"`
	Status            string    `gorm:"not null;default:active;check:status IN ('active','reconnecting','closed','failed')" json:"status"`
	ReconnectAttempts int       `gorm:"not null;default:0" json:"reconnectAttempts"`
	LastError         string    `json:"lastError"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updatedAt"`

	Instance *Instance `gorm:"foreignKey:InstanceID" json:"-"`
}

// StatusEvent is an append-only audit row recording every accepted status
// transition and which producer caused it.
type StatusEvent struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	InstanceID string    `gorm:"index;not null" json:"instanceId"`
	Status     string    `gorm:"not null" json:"status"`
	Source     string    `gorm:"not null" json:"source"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// Setting is a key/value row; holds the encryption key and the encrypted
// forward credential among other small bits of server state.
type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// ActivityEntry records the semantic idle/working transitions for the feed.
type ActivityEntry struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	InstanceID string    `gorm:"index;not null" json:"instanceId"`
	Kind       string    `gorm:"not null" json:"kind"`
	Note       string    `json:"note"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// Project groups instances under a filesystem path. Paths are unique.
type Project struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	Path      string    `gorm:"uniqueIndex;not null" json:"path"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// ProjectInstance links instances to projects.
type ProjectInstance struct {
	ID         uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	ProjectID  uint   `gorm:"index;not null" json:"projectId"`
	InstanceID string `gorm:"index;not null" json:"instanceId"`

	Project  *Project  `gorm:"foreignKey:ProjectID" json:"-"`
	Instance *Instance `gorm:"foreignKey:InstanceID" json:"-"`
}

// GlobalTask is one row of the cross-instance todo list. Ordinal is the
// display position; reorder rewrites all ordinals in a transaction.
type GlobalTask struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Title     string    `gorm:"not null" json:"title"`
	Done      bool      `gorm:"not null;default:false" json:"done"`
	Ordinal   int       `gorm:"not null;default:0" json:"ordinal"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// Session is a stored conversation transcript attached to an instance. The
// server only stores and serves these; interpretation is the UI's business.
type Session struct {
	ID         string    `gorm:"primaryKey" json:"id"`
	InstanceID string    `gorm:"index;not null" json:"instanceId"`
	Title      string    `json:"title"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// SessionMessage is one transcript entry.
type SessionMessage struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"index;not null" json:"sessionId"`
	Role      string    `gorm:"not null" json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`

	Session *Session `gorm:"foreignKey:SessionID" json:"-"`
}
