package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"docbatch/src/stemming"

	"gopkg.in/yaml.v2"
)

type Arguments struct {
	// The directory holding the bbolt store
	DataDir string `yaml:"datadir"`
	DBFile  string `yaml:"dbfile"`

	// Journal of executed batch steps; disabled when empty
	JournalDir           string `yaml:"journaldir"`
	JournalRetentionDays int    `yaml:"journalretentiondays"`

	// Stemmer for indexed text fields, see stemming.Names
	Stemmer string `yaml:"stemmer"`
	// Per field overrides keyed by "collection.field"
	FieldStemmers map[string]string `yaml:"fieldstemmers"`
	// Stopword preset applied to every stemmer ("" for none)
	Stopwords string `yaml:"stopwords"`

	// Run batches inside engine transactions
	Transactional bool `yaml:"transactional"`

	// Enables the encrypted field type
	EncryptionPassphrase string `yaml:"encryptionpassphrase"`

	Debug   bool `yaml:"debug"`
	Verbose bool `yaml:"verbose"`

	ConfigFile string `yaml:"-"`
}

var (
	instance *Arguments
	once     sync.Once
)

// GetSettings returns the process-wide settings, populated with defaults on
// first use.
func GetSettings() *Arguments {
	once.Do(func() {
		instance = Defaults()
	})
	return instance
}

func Defaults() *Arguments {
	return &Arguments{
		DataDir:              "./datafiles",
		DBFile:               "docbatch.db",
		JournalRetentionDays: 30,
		Transactional:        true,
	}
}

// LoadConfig overlays the values of a YAML config file. Keys absent from the
// file keep their current value.
func (a *Arguments) LoadConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, a); err != nil {
		return fmt.Errorf("error parsing config file %s: %w", path, err)
	}
	a.ConfigFile = path
	return nil
}

func (a *Arguments) Validate() error {
	if a.DataDir == "" {
		return fmt.Errorf("data directory must not be empty")
	}
	if a.DBFile == "" || filepath.Base(a.DBFile) != a.DBFile {
		return fmt.Errorf("invalid database file name: '%s'", a.DBFile)
	}
	if a.JournalRetentionDays < 0 {
		return fmt.Errorf("invalid journal retention: %d days", a.JournalRetentionDays)
	}
	for key := range a.FieldStemmers {
		if parts := strings.Split(key, "."); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("field stemmer key '%s' must look like 'collection.field'", key)
		}
	}
	return nil
}

// StorePath is the location of the bbolt store.
func (a *Arguments) StorePath() string {
	return filepath.Join(a.DataDir, a.DBFile)
}

// JournalPath is the base name of the journal files, empty when journaling
// is off.
func (a *Arguments) JournalPath() string {
	if a.JournalDir == "" {
		return ""
	}
	return filepath.Join(a.JournalDir, "docbatch.journal")
}

// StemmerSelector builds the selector for indexed text fields. It returns nil
// when no stemmer is configured at all.
func (a *Arguments) StemmerSelector() (stemming.Selector, error) {
	if a.Stemmer == "" && len(a.FieldStemmers) == 0 {
		return nil, nil
	}

	var def stemming.Stemmer
	if a.Stemmer != "" {
		var err error
		if def, err = stemming.ByName(a.Stemmer, a.Stopwords); err != nil {
			return nil, err
		}
	}

	byField := make(map[string]stemming.Stemmer, len(a.FieldStemmers))
	for key, name := range a.FieldStemmers {
		stemmer, err := stemming.ByName(name, a.Stopwords)
		if err != nil {
			return nil, fmt.Errorf("field stemmer '%s': %w", key, err)
		}
		byField[key] = stemmer
	}
	return stemming.MapSelector(byField, def), nil
}
