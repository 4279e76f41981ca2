package database

import (
	"fmt"

	"gorm.io/gorm"
)

// CreateProject inserts a project; a duplicate path is a conflict. The check
// and insert share a transaction and the column carries a unique index, so
// racing creators cannot both win.
func CreateProject(p *Project) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Project{}).Where("path = ?", p.Path).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("project path %q already registered: %w", p.Path, ErrConflict)
		}
		return tx.Create(p).Error
	})
}

func ListProjects() ([]Project, error) {
	var projects []Project
	err := DB.Order("name ASC").Find(&projects).Error
	return projects, err
}

func GetProject(id uint) (*Project, error) {
	var p Project
	if err := DB.First(&p, id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// DeleteProject removes the project and its instance links.
func DeleteProject(id uint) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", id).Delete(&ProjectInstance{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&Project{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// LinkProjectInstance attaches an instance to a project; relinking is a no-op.
func LinkProjectInstance(projectID uint, instanceID string) error {
	var count int64
	err := DB.Model(&ProjectInstance{}).
		Where("project_id = ? AND instance_id = ?", projectID, instanceID).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return DB.Create(&ProjectInstance{ProjectID: projectID, InstanceID: instanceID}).Error
}

// ListProjectInstances returns ids of instances linked to the project.
func ListProjectInstances(projectID uint) ([]string, error) {
	var links []ProjectInstance
	if err := DB.Where("project_id = ?", projectID).Find(&links).Error; err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(links))
	for _, l := range links {
		ids = append(ids, l.InstanceID)
	}
	return ids, nil
}
