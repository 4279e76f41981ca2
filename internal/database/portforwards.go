package database

import "gorm.io/gorm"

func CreatePortForward(pf *PortForward) error {
	return DB.Create(pf).Error
}

func GetPortForward(id uint) (*PortForward, error) {
	var pf PortForward
	if err := DB.First(&pf, id).Error; err != nil {
		return nil, err
	}
	return &pf, nil
}

func ListPortForwards(instanceID string) ([]PortForward, error) {
	var forwards []PortForward
	err := DB.Where("instance_id = ?", instanceID).
		Order("created_at ASC").Find(&forwards).Error
	return forwards, err
}

// ListOpenPortForwards returns forwards the supervisor should still be
// driving (active or reconnecting) for one instance.
func ListOpenPortForwards(instanceID string) ([]PortForward, error) {
	var forwards []PortForward
	err := DB.Where("instance_id = ? AND status IN ?",
		instanceID, []string{ForwardActive, ForwardReconnecting}).
		Find(&forwards).Error
	return forwards, err
}

// SetPortForwardState persists a lifecycle transition along with the
// reconnect bookkeeping that goes with it.
func SetPortForwardState(id uint, status string, attempts int, lastError string) error {
	res := DB.Model(&PortForward{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":             status,
		"reconnect_attempts": attempts,
		"last_error":         lastError,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SweepStalePortForwards closes every row a previous process left open. No
// in-memory tunnel survives a restart, so anything not already closed is
// stale by definition. Returns the number of rows rewritten.
func SweepStalePortForwards() (int64, error) {
	res := DB.Model(&PortForward{}).
		Where("status != ?", ForwardClosed).
		Update("status", ForwardClosed)
	return res.RowsAffected, res.Error
}
