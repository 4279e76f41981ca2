package database

import "gorm.io/gorm"

func CreateSession(s *Session) error {
	return DB.Create(s).Error
}

func ListSessions(instanceID string) ([]Session, error) {
	var sessions []Session
	q := DB.Order("updated_at DESC")
	if instanceID != "" {
		q = q.Where("instance_id = ?", instanceID)
	}
	err := q.Find(&sessions).Error
	return sessions, err
}

func GetSession(id string) (*Session, error) {
	var s Session
	if err := DB.First(&s, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteSession removes the session and its messages together.
func DeleteSession(id string) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&SessionMessage{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&Session{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// AddSessionMessage appends a transcript entry and touches the session.
func AddSessionMessage(msg *SessionMessage) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Session{}).Where("id = ?", msg.SessionID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return gorm.ErrRecordNotFound
		}
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return tx.Model(&Session{}).Where("id = ?", msg.SessionID).
			Update("updated_at", gorm.Expr("CURRENT_TIMESTAMP")).Error
	})
}

func ListSessionMessages(sessionID string) ([]SessionMessage, error) {
	var messages []SessionMessage
	err := DB.Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").Find(&messages).Error
	return messages, err
}
