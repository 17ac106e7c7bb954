package hmm

import (
	"encoding/json"
	"os"

	"github.com/unixpickle/essentials"
)

// Save writes the prior to a JSON file.
func (p *Prior) Save(path string) (err error) {
	defer essentials.AddCtxTo("save prior", &err)
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Load reads a prior written by Save.
func Load(path string) (p *Prior, err error) {
	defer essentials.AddCtxTo("load prior", &err)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p = &Prior{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
