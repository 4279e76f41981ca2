package database

import (
	"fmt"

	"gorm.io/gorm"
)

// CreateTask appends the task at the end of the list.
func CreateTask(t *GlobalTask) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		var max int
		row := tx.Model(&GlobalTask{}).Select("COALESCE(MAX(ordinal), 0)").Row()
		if err := row.Scan(&max); err != nil {
			return err
		}
		t.Ordinal = max + 1
		return tx.Create(t).Error
	})
}

func ListTasks() ([]GlobalTask, error) {
	var tasks []GlobalTask
	err := DB.Order("ordinal ASC, id ASC").Find(&tasks).Error
	return tasks, err
}

func GetTask(id uint) (*GlobalTask, error) {
	var t GlobalTask
	if err := DB.First(&t, id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func UpdateTask(t *GlobalTask) error {
	return DB.Save(t).Error
}

func DeleteTask(id uint) error {
	res := DB.Delete(&GlobalTask{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ReorderTasks rewrites every ordinal to match ids; all or nothing.
func ReorderTasks(ids []uint) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		for i, id := range ids {
			res := tx.Model(&GlobalTask{}).Where("id = ?", id).Update("ordinal", i+1)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("reorder: task %d: %w", id, gorm.ErrRecordNotFound)
			}
		}
		return nil
	})
}
