package database

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

func CreateMachine(m *RemoteMachine) error {
	var count int64
	if err := DB.Model(&RemoteMachine{}).Where("name = ?", m.Name).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("machine %q: %w", m.Name, ErrConflict)
	}
	return DB.Create(m).Error
}

func ListMachines() ([]RemoteMachine, error) {
	var machines []RemoteMachine
	err := DB.Order("name ASC").Find(&machines).Error
	return machines, err
}

func GetMachine(id uint) (*RemoteMachine, error) {
	var m RemoteMachine
	if err := DB.First(&m, id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateMachine saves the row. A rename that collides with another machine's
// name is rejected.
func UpdateMachine(m *RemoteMachine) error {
	var count int64
	if err := DB.Model(&RemoteMachine{}).
		Where("name = ? AND id != ?", m.Name, m.ID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("machine %q: %w", m.Name, ErrConflict)
	}
	return DB.Save(m).Error
}

// DeleteMachine removes a machine unless open instances still reference it.
func DeleteMachine(id uint) error {
	var count int64
	err := DB.Model(&Instance{}).
		Where("machine_id = ? AND closed_at IS NULL", id).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("machine has %d open instances: %w", count, ErrConflict)
	}
	res := DB.Delete(&RemoteMachine{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SetMachineStatus updates liveness; connected additionally stamps
// last_connected_at.
func SetMachineStatus(id uint, status string, connected bool) error {
	updates := map[string]interface{}{"status": status}
	if connected {
		now := time.Now()
		updates["last_connected_at"] = &now
	}
	return DB.Model(&RemoteMachine{}).Where("id = ?", id).Updates(updates).Error
}

// UpsertMachineByName applies one fleet-file entry: insert when the name is
// new, otherwise refresh the connection fields. Liveness and timestamps are
// left alone so a boot-time re-apply does not erase observed state.
func UpsertMachineByName(m *RemoteMachine) error {
	var existing RemoteMachine
	err := DB.Where("name = ?", m.Name).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DB.Create(m).Error
	}
	if err != nil {
		return err
	}
	return DB.Model(&existing).Updates(map[string]interface{}{
		"host":                m.Host,
		"port":                m.Port,
		"username":            m.Username,
		"key_path":            m.KeyPath,
		"forward_credentials": m.ForwardCredentials,
	}).Error
}
