package bus

import (
	"encoding/json"
	"log"
)

// Event types delivered to attached clients.
const (
	EventTerminalData   = "terminal:data"
	EventTerminalExit   = "terminal:exit"
	EventStatusChanged  = "status:changed"
	EventPortForwarded  = "port:forwarded"
	EventPortClosed     = "port:closed"
	EventActivityNew    = "activity:new"
	EventMachineStatus  = "machine:status"
	EventTaskCreated    = "task:created"
	EventTaskUpdated    = "task:updated"
	EventTaskDeleted    = "task:deleted"
	EventTaskReordered  = "task:reordered"
	EventProjectCreated = "project:created"
	EventProjectDeleted = "project:deleted"
)

type terminalDataFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Data []byte `json:"data"`
}

type terminalExitFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Code int    `json:"code"`
}

type statusChangedFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Status string `json:"status"`
}

type machineStatusFrame struct {
	Type      string `json:"type"`
	MachineID uint   `json:"machineId"`
	Status    string `json:"status"`
}

type resourceFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type taskReorderedFrame struct {
	Type string `json:"type"`
	IDs  []uint `json:"ids"`
}

func marshalFrame(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		// Frames are built from plain structs; a failure here is a bug.
		log.Printf("[bus] marshal frame: %v", err)
		return json.RawMessage(`{"type":"error","code":"encoding"}`)
	}
	return raw
}

// TerminalData wraps one chunk of backend output. offset is the absolute
// scrollback position of the chunk's first byte, used by attach-time
// snapshot deduplication.
func TerminalData(id string, data []byte, offset int64) Event {
	return Event{
		Type:       EventTerminalData,
		InstanceID: id,
		Offset:     offset,
		Raw:        marshalFrame(terminalDataFrame{Type: EventTerminalData, ID: id, Data: data}),
	}
}

func TerminalExit(id string, code int) Event {
	return Event{
		Type:       EventTerminalExit,
		InstanceID: id,
		Raw:        marshalFrame(terminalExitFrame{Type: EventTerminalExit, ID: id, Code: code}),
	}
}

func StatusChanged(id, status string) Event {
	return Event{
		Type:       EventStatusChanged,
		InstanceID: id,
		Raw:        marshalFrame(statusChangedFrame{Type: EventStatusChanged, ID: id, Status: status}),
	}
}

func MachineStatus(machineID uint, status string) Event {
	return Event{
		Type: EventMachineStatus,
		Raw:  marshalFrame(machineStatusFrame{Type: EventMachineStatus, MachineID: machineID, Status: status}),
	}
}

// Resource builds the generic envelope shared by port, task, project and
// activity events: {type, data}.
func Resource(eventType string, data any) Event {
	return Event{
		Type: eventType,
		Raw:  marshalFrame(resourceFrame{Type: eventType, Data: data}),
	}
}

// TaskReordered carries the full new ordering so clients can apply it
// without refetching.
func TaskReordered(ids []uint) Event {
	return Event{
		Type: EventTaskReordered,
		Raw:  marshalFrame(taskReorderedFrame{Type: EventTaskReordered, IDs: ids}),
	}
}
