package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mechatroNick/dagster/internal/adapters/artifact"
	"github.com/mechatroNick/dagster/internal/adapters/local"
	"github.com/mechatroNick/dagster/internal/app"
	"github.com/mechatroNick/dagster/internal/domain"
)

// workflowBuilders holds the compiled-in workflows this worker can execute,
// keyed by workflow name.
var workflowBuilders = map[string]func(artifactBaseDir string) (*domain.Workflow, error){
	"model_pipeline": buildModelPipeline,
}

func main() {
	log.Println("Run worker starting...")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := os.Getenv("RUN_ID")
	if runID == "" {
		log.Fatal("RUN_ID is required")
	}
	storageRoot := getEnv("STORAGE_ROOT", "/tmp/dagster")
	artifactBaseDir := getEnv("ARTIFACT_BASE_DIR", storageRoot+"/artifacts")

	events, err := local.NewEventLog(storageRoot)
	if err != nil {
		log.Fatalf("Failed to open event log: %v", err)
	}
	registry, err := local.NewRunRegistry(storageRoot)
	if err != nil {
		log.Fatalf("Failed to open run registry: %v", err)
	}

	run, err := registry.GetRun(ctx, runID)
	if err != nil {
		log.Fatalf("Failed to load run %s: %v", runID, err)
	}

	build, ok := workflowBuilders[run.WorkflowName]
	if !ok {
		log.Fatalf("Unknown workflow %q for run %s", run.WorkflowName, runID)
	}
	workflow, err := build(artifactBaseDir)
	if err != nil {
		log.Fatalf("Failed to build workflow %q: %v", run.WorkflowName, err)
	}

	coordinator := app.NewRunCoordinator(workflow, events, registry)
	status, err := coordinator.ExecuteRun(ctx, run)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Cooperative termination: exit without a terminal event so the
			// launcher attributes the failure to its own request.
			log.Printf("Run %s terminated", runID)
			os.Exit(3)
		}
		log.Fatalf("Run %s failed to execute: %v", runID, err)
	}

	log.Printf("Run %s finished with status %s", runID, status)
}

// buildModelPipeline is the built-in two-step demo workflow: call_api
// fetches a dataset and parse_df keeps the first half.
func buildModelPipeline(artifactBaseDir string) (*domain.Workflow, error) {
	manager := artifact.NewFSManager(artifactBaseDir)

	callAPI := func(ctx context.Context, _ map[string]json.RawMessage) (map[string]json.RawMessage, error) {
		data, err := json.Marshal([]int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
		if err != nil {
			return nil, err
		}
		return map[string]json.RawMessage{domain.DefaultOutputName: data}, nil
	}

	parseDF := func(ctx context.Context, inputs map[string]json.RawMessage) (map[string]json.RawMessage, error) {
		var df []int
		if err := json.Unmarshal(inputs["df"], &df); err != nil {
			return nil, fmt.Errorf("parsing dataframe: %w", err)
		}
		parsed, err := json.Marshal(df[:len(df)/2])
		if err != nil {
			return nil, err
		}
		return map[string]json.RawMessage{domain.DefaultOutputName: parsed}, nil
	}

	return domain.NewWorkflowBuilder("model_pipeline").
		AddManager(domain.DefaultManagerKey, manager).
		AddStep(domain.StepDef{Key: "call_api", Compute: callAPI}).
		AddStep(domain.StepDef{
			Key:     "parse_df",
			Inputs:  []domain.InputSlot{{Name: "df", UpstreamStep: "call_api"}},
			Compute: parseDF,
		}).
		Build()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
