package database

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrConflict marks uniqueness violations surfaced to the API as 409.
var ErrConflict = errors.New("conflict")

// CreateInstance inserts the row with the next display ordinal. The ordinal
// assignment and insert share a transaction so concurrent creates cannot
// claim the same position.
func CreateInstance(inst *Instance) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		var max int
		row := tx.Model(&Instance{}).Select("COALESCE(MAX(display_order), 0)").Row()
		if err := row.Scan(&max); err != nil {
			return err
		}
		inst.DisplayOrder = max + 1
		return tx.Create(inst).Error
	})
}

// ListInstances returns open instances in display order: pinned first, then
// the user-arranged ordinals, newest first among ties. includeClosed widens
// the query to closed rows for history views.
func ListInstances(includeClosed bool) ([]Instance, error) {
	var instances []Instance
	q := DB.Preload("Machine").
		Order("pinned DESC, display_order ASC, created_at DESC")
	if !includeClosed {
		q = q.Where("closed_at IS NULL")
	}
	if err := q.Find(&instances).Error; err != nil {
		return nil, err
	}
	return instances, nil
}

func GetInstance(id string) (*Instance, error) {
	var inst Instance
	if err := DB.Preload("Machine").First(&inst, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &inst, nil
}

// ListOpenLocal returns non-closed instances bound to the local host.
func ListOpenLocal() ([]Instance, error) {
	var instances []Instance
	err := DB.Where("closed_at IS NULL AND machine_id IS NULL").Find(&instances).Error
	return instances, err
}

// ListOpenRemote returns non-closed remote-bound instances with their
// machines preloaded, grouped by machine for connection reuse.
func ListOpenRemote() (map[uint][]Instance, error) {
	var instances []Instance
	err := DB.Preload("Machine").
		Where("closed_at IS NULL AND machine_id IS NOT NULL").
		Find(&instances).Error
	if err != nil {
		return nil, err
	}
	grouped := make(map[uint][]Instance)
	for _, inst := range instances {
		if inst.MachineID == nil {
			continue
		}
		grouped[*inst.MachineID] = append(grouped[*inst.MachineID], inst)
	}
	return grouped, nil
}

// SetInstanceStatus persists a status transition. Only the reconciler calls
// this; everything else goes through reconciler.Apply.
func SetInstanceStatus(id, status string) error {
	if !ValidStatus(status) {
		return fmt.Errorf("invalid status %q", status)
	}
	res := DB.Model(&Instance{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// RemoveInstance hard-deletes the row. Only used to roll back a create whose
// backend failed to spawn; established instances are closed, not removed.
func RemoveInstance(id string) error {
	return DB.Delete(&Instance{}, "id = ?", id).Error
}

// CloseInstance stamps closed_at; the row is retained for history. Status is
// frozen at its last value.
func CloseInstance(id string) error {
	now := time.Now()
	res := DB.Model(&Instance{}).Where("id = ? AND closed_at IS NULL", id).
		Update("closed_at", &now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func RenameInstance(id, name string) error {
	return updateInstanceColumn(id, "name", name)
}

func SetInstancePinned(id string, pinned bool) error {
	return updateInstanceColumn(id, "pinned", pinned)
}

func SetInstancePid(id string, pid *int) error {
	return updateInstanceColumn(id, "pid", pid)
}

func SetInstanceLastCwd(id, cwd string) error {
	return updateInstanceColumn(id, "last_cwd", cwd)
}

// ClearStalePids nulls the pid column across the board. Runs at boot: no
// backend survives a process restart, so any recorded pid is stale.
func ClearStalePids() (int64, error) {
	res := DB.Model(&Instance{}).Where("pid IS NOT NULL").Update("pid", nil)
	return res.RowsAffected, res.Error
}

// TouchInstanceActivity stamps last_activity_at; every received hook lands
// here regardless of whether it changed the status.
func TouchInstanceActivity(id string) error {
	now := time.Now()
	return updateInstanceColumn(id, "last_activity_at", &now)
}

func updateInstanceColumn(id, column string, value interface{}) error {
	res := DB.Model(&Instance{}).Where("id = ?", id).Update(column, value)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ReorderInstances rewrites display ordinals to match ids. The rewrite is
// transactional: an unknown id aborts the whole batch so a stale client
// cannot leave the ordering half-applied.
func ReorderInstances(ids []string) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		for i, id := range ids {
			res := tx.Model(&Instance{}).Where("id = ?", id).Update("display_order", i+1)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("reorder: instance %s: %w", id, gorm.ErrRecordNotFound)
			}
		}
		return nil
	})
}

// AddStatusEvent appends to the status audit log.
func AddStatusEvent(instanceID, status, source string) error {
	return DB.Create(&StatusEvent{
		InstanceID: instanceID,
		Status:     status,
		Source:     source,
	}).Error
}

// ListStatusEvents returns the most recent transitions for one instance,
// newest first.
func ListStatusEvents(instanceID string, limit int) ([]StatusEvent, error) {
	var events []StatusEvent
	err := DB.Where("instance_id = ?", instanceID).
		Order("created_at DESC, id DESC").Limit(limit).Find(&events).Error
	return events, err
}
