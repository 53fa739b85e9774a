package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"reservo/internal/models"
)

// SlotsConfig is the root of slots.yaml.
type SlotsConfig struct {
	Defaults struct {
		FacilityID               string `yaml:"facility_id"`
		Capacity                 int    `yaml:"capacity"`
		RequiresFacilityApproval bool   `yaml:"requires_approval"`
		AllowsProPriority        bool   `yaml:"allows_pro_priority"`
	} `yaml:"defaults"`
	Slots []models.SlotSpec `yaml:"slots"`
}

// LoadSlots reads, validates and defaults the slot catalog.
func LoadSlots(path string) (*SlotsConfig, error) {
	if path == "" {
		path = "configs/slots.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read slot catalog: %w", err)
	}

	var cfg SlotsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse slot catalog: %w", err)
	}

	cfg.applyDefaults(data)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate slot catalog: %w", err)
	}
	return &cfg, nil
}

// applyDefaults fills facility and capacity from defaults. The boolean flags
// are only defaulted for slots that leave them out of the file.
func (c *SlotsConfig) applyDefaults(raw []byte) {
	var flags struct {
		Slots []struct {
			RequiresApproval  *bool `yaml:"requires_approval"`
			AllowsProPriority *bool `yaml:"allows_pro_priority"`
		} `yaml:"slots"`
	}
	_ = yaml.Unmarshal(raw, &flags)

	for i := range c.Slots {
		s := &c.Slots[i]
		if s.FacilityID == "" {
			s.FacilityID = c.Defaults.FacilityID
		}
		if s.TotalCapacity == 0 {
			s.TotalCapacity = c.Defaults.Capacity
		}
		if i < len(flags.Slots) {
			if flags.Slots[i].RequiresApproval == nil {
				s.RequiresFacilityApproval = c.Defaults.RequiresFacilityApproval
			}
			if flags.Slots[i].AllowsProPriority == nil {
				s.AllowsProPriority = c.Defaults.AllowsProPriority
			}
		}
	}
}

// Validate checks the catalog for errors.
func (c *SlotsConfig) Validate() error {
	ids := make(map[string]bool)
	for i, s := range c.Slots {
		if s.ID == "" {
			return fmt.Errorf("slot[%d]: id is required", i)
		}
		if ids[s.ID] {
			return fmt.Errorf("slot[%d]: duplicate id '%s'", i, s.ID)
		}
		ids[s.ID] = true

		if s.FacilityID == "" {
			return fmt.Errorf("slot[%d]: facility_id is required", i)
		}
		if s.TotalCapacity < 0 {
			return fmt.Errorf("slot[%d]: capacity cannot be negative", i)
		}
		if s.StartTime.IsZero() {
			return fmt.Errorf("slot[%d]: start_time is required", i)
		}
	}
	return nil
}

// String returns a summary of the catalog.
func (c *SlotsConfig) String() string {
	total := 0
	for _, s := range c.Slots {
		total += s.TotalCapacity
	}
	return fmt.Sprintf("SlotsConfig: %d slots, %d seats", len(c.Slots), total)
}
