package models

import "time"

// Persona is a named system-prompt configuration selectable per session.
type Persona struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Icon         string    `json:"icon,omitempty"`
	Description  string    `json:"description,omitempty"`
	SystemPrompt string    `json:"system_prompt"`
	IsDefault    bool      `json:"is_default"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DefaultPersona returns the persona flagged as default, or nil.
func DefaultPersona(personas []Persona) *Persona {
	for i := range personas {
		if personas[i].IsDefault {
			return &personas[i]
		}
	}
	return nil
}

// FindPersona looks a persona up by ID first, then by case-sensitive name.
func FindPersona(personas []Persona, idOrName string) *Persona {
	for i := range personas {
		if personas[i].ID == idOrName {
			return &personas[i]
		}
	}
	for i := range personas {
		if personas[i].Name == idOrName {
			return &personas[i]
		}
	}
	return nil
}
