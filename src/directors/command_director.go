package directors

import (
	"context"
	"fmt"
	"strings"

	"docbatch/src/helpers"
	"docbatch/src/models"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

const (
	CommandSchema = "schema"
	CommandExec   = "exec"
	CommandFind   = "find"
	CommandCount  = "count"
	CommandUpdate = "update"
	CommandDelete = "delete"
)

// Command is one request against the storage manager, as assembled by the
// command line.
type Command struct {
	Name       string
	Collection string
	Where      models.Object
	Updates    models.Object
	Batch      models.Batch
	Find       FindOptions
}

type CommandResponse struct {
	ResultCount int         `json:"resultCount" yaml:"resultCount"`
	Result      interface{} `json:"result" yaml:"result"`
}

func CommandDirector(ctx context.Context, manager *StorageManager, command Command, logger *zap.SugaredLogger) (*CommandResponse, error) {
	logger.Debugf("Running command '%s' on collection '%s'", command.Name, command.Collection)

	switch command.Name {
	case CommandSchema:
		versions := manager.Versions()
		return &CommandResponse{ResultCount: len(versions), Result: versions}, nil

	case CommandExec:
		if len(command.Batch) == 0 {
			return nil, fmt.Errorf("exec requires a non-empty batch")
		}
		result, err := manager.ExecuteBatch(ctx, command.Batch)
		if err != nil {
			return nil, fmt.Errorf("error executing batch: %w", err)
		}
		logger.Infof("Executed batch %s with %d step(s)", result.BatchID, len(command.Batch))
		return &CommandResponse{ResultCount: len(result.Info), Result: result}, nil

	case CommandFind:
		objects, err := manager.FindObjects(ctx, command.Collection, command.Where, command.Find)
		if err != nil {
			return nil, fmt.Errorf("error finding objects in '%s': %w", command.Collection, err)
		}
		return &CommandResponse{ResultCount: len(objects), Result: objects}, nil

	case CommandCount:
		count, err := manager.CountObjects(ctx, command.Collection, command.Where)
		if err != nil {
			return nil, fmt.Errorf("error counting objects in '%s': %w", command.Collection, err)
		}
		return &CommandResponse{ResultCount: count, Result: count}, nil

	case CommandUpdate:
		if len(command.Updates) == 0 {
			return nil, fmt.Errorf("update requires at least one update")
		}
		count, err := manager.UpdateObjects(ctx, command.Collection, command.Where, command.Updates)
		if err != nil {
			return nil, fmt.Errorf("error updating objects in '%s': %w", command.Collection, err)
		}
		return &CommandResponse{ResultCount: count, Result: count}, nil

	case CommandDelete:
		count, err := manager.DeleteObjects(ctx, command.Collection, command.Where)
		if err != nil {
			return nil, fmt.Errorf("error deleting objects in '%s': %w", command.Collection, err)
		}
		return &CommandResponse{ResultCount: count, Result: count}, nil

	default:
		return nil, fmt.Errorf("unknown command '%s'", command.Name)
	}
}

// ParseObject reads a where clause or an update document written as YAML or
// JSON. An empty text is the empty object.
func ParseObject(text string) (models.Object, error) {
	if strings.TrimSpace(text) == "" {
		return models.Object{}, nil
	}
	var raw interface{}
	if err := yaml.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("error parsing '%s': %w", text, err)
	}
	normalized, err := helpers.NormalizeYAML(raw)
	if err != nil {
		return nil, err
	}
	object, ok := normalized.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("expected an object, got %T", normalized)
	}
	return object, nil
}

// ParseBatch reads a batch file: a YAML or JSON list of operations.
func ParseBatch(data []byte) (models.Batch, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("error parsing batch: %w", err)
	}
	normalized, err := helpers.NormalizeYAML(raw)
	if err != nil {
		return nil, err
	}
	list, ok := normalized.([]interface{})
	if !ok {
		return nil, fmt.Errorf("a batch must be a list of operations, got %T", normalized)
	}

	steps := make([]map[string]interface{}, 0, len(list))
	for i, item := range list {
		step, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("batch step %d must be an object, got %T", i, item)
		}
		steps = append(steps, step)
	}
	return models.DecodeBatch(steps)
}
