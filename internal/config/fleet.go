package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FleetMachine is one remote host declared in the fleet file. Machines are
// upserted by name at boot so the file can be re-applied safely.
type FleetMachine struct {
	Name               string `yaml:"name"`
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Username           string `yaml:"username"`
	KeyPath            string `yaml:"keyPath"`
	ForwardCredentials bool   `yaml:"forwardCredentials"`
}

type FleetFile struct {
	Machines []FleetMachine `yaml:"machines"`
}

// LoadFleetFile parses the optional machine declaration file. A missing file
// is not an error; the caller gets an empty fleet.
func LoadFleetFile(path string) (*FleetFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &FleetFile{}, nil
		}
		return nil, fmt.Errorf("read fleet file: %w", err)
	}

	var fleet FleetFile
	if err := yaml.Unmarshal(data, &fleet); err != nil {
		return nil, fmt.Errorf("parse fleet file: %w", err)
	}

	for i, m := range fleet.Machines {
		if m.Name == "" || m.Host == "" {
			return nil, fmt.Errorf("fleet file: machine %d is missing name or host", i)
		}
		if m.Port == 0 {
			fleet.Machines[i].Port = 22
		}
		if m.Username == "" {
			fleet.Machines[i].Username = "root"
		}
	}
	return &fleet, nil
}
