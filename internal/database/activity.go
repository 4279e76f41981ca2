package database

// AddActivity appends one feed entry. Best-effort callers log and move on
// when this fails; the feed is not load-bearing.
func AddActivity(instanceID, kind, note string) (*ActivityEntry, error) {
	entry := &ActivityEntry{InstanceID: instanceID, Kind: kind, Note: note}
	if err := DB.Create(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

// ListActivity returns the newest feed entries across all instances.
func ListActivity(limit int) ([]ActivityEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []ActivityEntry
	err := DB.Order("created_at DESC, id DESC").Limit(limit).Find(&entries).Error
	return entries, err
}
