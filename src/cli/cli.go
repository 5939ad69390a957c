package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"docbatch/src/directors"
	"docbatch/src/engine"
	"docbatch/src/fields"
	"docbatch/src/helpers"
	"docbatch/src/registry"
	"docbatch/src/settings"
	"docbatch/src/storage"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

type cmdFind struct {
	Collection string `arg:"" help:"Collection to search."`
	Where      string `short:"w" default:"{}" help:"Filter as a YAML or JSON object."`
	Skip       int    `help:"Number of matches to skip."`
	Limit      int    `help:"Maximum number of matches to return."`
	Order      string `help:"Field to sort by."`
	Desc       bool   `help:"Sort in descending order."`
	IgnoreCase string `name:"ignore-case" help:"Filter field to compare case-insensitively."`
}

type cmdCount struct {
	Collection string `arg:"" help:"Collection to count."`
	Where      string `short:"w" default:"{}" help:"Filter as a YAML or JSON object."`
}

type cmdUpdate struct {
	Collection string `arg:"" help:"Collection to update."`
	Where      string `short:"w" default:"{}" help:"Filter as a YAML or JSON object."`
	Updates    string `short:"u" required:"" help:"Update document as a YAML or JSON object."`
}

type cmdDelete struct {
	Collection string `arg:"" help:"Collection to delete from."`
	Where      string `short:"w" default:"{}" help:"Filter as a YAML or JSON object."`
}

type cmdExec struct {
	Batch string `arg:"" type:"existingfile" help:"YAML or JSON file holding the list of operations."`
}

type commandLine struct {
	Config         string `short:"c" type:"existingfile" help:"YAML config file."`
	Registry       string `short:"r" required:"" type:"existingfile" help:"YAML file with the collection definitions."`
	DataDir        string `name:"datadir" help:"Directory of the bbolt store."`
	DBFile         string `name:"dbfile" help:"File name of the bbolt store."`
	JournalDir     string `name:"journaldir" help:"Directory for the journal of executed steps."`
	Stemmer        string `help:"Stemmer for indexed text fields (whitespace, lowercase, word, folding)."`
	Stopwords      string `help:"Stopword preset applied by the stemmer."`
	NoTransactions bool   `name:"no-transactions" help:"Run batches without engine transactions."`
	Format         string `short:"f" enum:"yaml,json" default:"yaml" help:"Output format (yaml, json)."`
	Debug          bool   `help:"Enable debug logging."`
	Verbose        bool   `short:"v" help:"Log the effective settings."`

	Schema struct{}  `cmd:"" help:"Print the schema versions compiled from the registry."`
	Exec   cmdExec   `cmd:"" help:"Execute a batch of operations in one transaction."`
	Find   cmdFind   `cmd:"" help:"Find objects."`
	Count  cmdCount  `cmd:"" help:"Count objects."`
	Update cmdUpdate `cmd:"" help:"Update objects."`
	Delete cmdDelete `cmd:"" help:"Delete objects."`
}

// CliConfig contains the configuration for the command line.
type CliConfig struct {
	Name        string
	Description string
	// Exit is called by kong on parse errors and --help.
	Exit   func(int)
	Stdout io.Writer
	Stderr io.Writer
	// Logger overrides the logger built from the settings.
	Logger *zap.SugaredLogger
}

func NewCliConfig() *CliConfig {
	return &CliConfig{
		Name:        "docbatch",
		Description: "Compile collection histories into schema versions and run operation batches against a bbolt store.",
		Exit:        func(i int) { os.Exit(i) },
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
	}
}

// Cli parses args and runs the selected command. It returns the process exit
// code.
func Cli(args []string, config *CliConfig) (rc int, err error) {
	var c commandLine
	parser, err := kong.New(&c,
		kong.Name(config.Name),
		kong.Description(config.Description),
		kong.Exit(config.Exit),
		kong.Writers(config.Stdout, config.Stderr),
	)
	if err != nil {
		return 1, err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		parser.FatalIfErrorf(err)
		return 1, err
	}

	arguments, err := c.settings()
	if err != nil {
		return 1, err
	}

	logger := config.Logger
	if logger == nil {
		if logger, err = helpers.NewLogger(arguments.Debug); err != nil {
			return 1, err
		}
		defer logger.Sync()
	}
	if arguments.Verbose {
		logger.Infof("docbatch starting with data directory %s, store %s, journal %q, stemmer %q, transactional %v",
			arguments.DataDir, arguments.DBFile, arguments.JournalDir, arguments.Stemmer, arguments.Transactional)
	}

	command, err := c.command(kctx.Command())
	if err != nil {
		return 1, err
	}

	response, err := run(context.Background(), c.Registry, arguments, command, logger)
	if err != nil {
		fmt.Fprintf(config.Stderr, "%s: error: %v\n", config.Name, err)
		return 1, err
	}
	if err := write(config.Stdout, c.Format, response); err != nil {
		return 1, err
	}
	return 0, nil
}

// settings merges defaults, the config file and the flags, in that order, into
// the process settings.
func (c *commandLine) settings() (*settings.Arguments, error) {
	arguments := settings.GetSettings()
	*arguments = *settings.Defaults()

	if c.Config != "" {
		if err := arguments.LoadConfig(c.Config); err != nil {
			return nil, err
		}
	}
	if c.DataDir != "" {
		arguments.DataDir = c.DataDir
	}
	if c.DBFile != "" {
		arguments.DBFile = c.DBFile
	}
	if c.JournalDir != "" {
		arguments.JournalDir = c.JournalDir
	}
	if c.Stemmer != "" {
		arguments.Stemmer = c.Stemmer
	}
	if c.Stopwords != "" {
		arguments.Stopwords = c.Stopwords
	}
	if c.NoTransactions {
		arguments.Transactional = false
	}
	arguments.Debug = arguments.Debug || c.Debug
	arguments.Verbose = arguments.Verbose || c.Verbose

	if err := arguments.Validate(); err != nil {
		return nil, err
	}
	return arguments, nil
}

func (c *commandLine) command(selected string) (directors.Command, error) {
	var command directors.Command
	var where string
	var err error

	switch selected {
	case "schema":
		command.Name = directors.CommandSchema
		return command, nil
	case "exec <batch>":
		command.Name = directors.CommandExec
		data, err := os.ReadFile(c.Exec.Batch)
		if err != nil {
			return command, fmt.Errorf("could not read batch file: %w", err)
		}
		command.Batch, err = directors.ParseBatch(data)
		return command, err
	case "find <collection>":
		command.Name, command.Collection, where = directors.CommandFind, c.Find.Collection, c.Find.Where
		command.Find = directors.FindOptions{Skip: c.Find.Skip, Limit: c.Find.Limit}
		if c.Find.Order != "" {
			command.Find.Order = []directors.SortOrder{{Field: c.Find.Order, Descending: c.Find.Desc}}
		} else {
			command.Find.Reverse = c.Find.Desc
		}
		if c.Find.IgnoreCase != "" {
			command.Find.IgnoreCase = []string{c.Find.IgnoreCase}
		}
	case "count <collection>":
		command.Name, command.Collection, where = directors.CommandCount, c.Count.Collection, c.Count.Where
	case "update <collection>":
		command.Name, command.Collection, where = directors.CommandUpdate, c.Update.Collection, c.Update.Where
		if command.Updates, err = directors.ParseObject(c.Update.Updates); err != nil {
			return command, err
		}
	case "delete <collection>":
		command.Name, command.Collection, where = directors.CommandDelete, c.Delete.Collection, c.Delete.Where
	default:
		return command, fmt.Errorf("unknown command '%s'", selected)
	}

	command.Where, err = directors.ParseObject(where)
	return command, err
}

// run sets up the storage manager the command needs. The schema command
// compiles against a throwaway memory engine; everything else opens the
// bbolt store.
func run(ctx context.Context, registryFile string, arguments *settings.Arguments, command directors.Command, logger *zap.SugaredLogger) (*directors.CommandResponse, error) {
	definitions, err := registry.LoadDefinitionsFile(registryFile)
	if err != nil {
		return nil, err
	}

	fieldTypes := fields.NewTypeRegistry()
	if arguments.EncryptionPassphrase != "" {
		if err := fieldTypes.RegisterEncrypted(arguments.EncryptionPassphrase); err != nil {
			return nil, err
		}
	}
	logger.Debugf("Custom field types: %v", fieldTypes.Types())
	stemmers, err := arguments.StemmerSelector()
	if err != nil {
		return nil, err
	}

	options := directors.Options{
		FieldTypes:    fieldTypes,
		Stemmers:      stemmers,
		Transactional: arguments.Transactional,
	}

	if command.Name == directors.CommandSchema {
		options.Engine = storage.NewMemoryEngine(logger)
	} else {
		path, err := helpers.DataFilePath(arguments.DataDir, arguments.DBFile)
		if err != nil {
			return nil, err
		}
		if !helpers.FileExists(path, logger) {
			logger.Infof("Creating store %s", path)
		}
		store, err := storage.OpenBoltEngine(path, logger)
		if err != nil {
			return nil, err
		}
		options.Engine = store

		if journalPath := arguments.JournalPath(); journalPath != "" {
			journal, err := engine.NewJournal(journalPath, arguments.JournalRetentionDays)
			if err != nil {
				store.Close()
				return nil, err
			}
			defer journal.Close()
			if removed, err := journal.CleanupOldJournals(); err != nil {
				logger.Warnf("Failed to clean up old journal files: %v", err)
			} else if len(removed) > 0 {
				logger.Infof("Removed %d old journal file(s)", len(removed))
			}
			options.Journal = journal
		}
	}
	defer options.Engine.Close()

	manager := directors.NewStorageManager(options, logger)
	if err := manager.RegisterCollections(definitions); err != nil {
		return nil, err
	}
	if err := manager.FinishInitialization(ctx); err != nil {
		return nil, err
	}
	return directors.CommandDirector(ctx, manager, command, logger)
}

func write(w io.Writer, format string, response *directors.CommandResponse) error {
	var data []byte
	var err error
	if format == "json" {
		data, err = json.MarshalIndent(response, "", "  ")
		data = append(data, '\n')
	} else {
		data, err = yaml.Marshal(response)
	}
	if err != nil {
		return fmt.Errorf("error encoding response: %w", err)
	}
	_, err = w.Write(data)
	return err
}
