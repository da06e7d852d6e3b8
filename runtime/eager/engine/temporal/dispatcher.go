package temporal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"

	"goa.design/eager/runtime/eager/engine"
	"goa.design/eager/runtime/eager/telemetry"
)

type (
	// Options configures the Temporal dispatcher.
	Options struct {
		// Client is an optional pre-configured client. When nil a lazy client
		// is built from ClientOptions with instrumentation installed.
		Client client.Client
		// ClientOptions describe the client to build when Client is nil.
		ClientOptions *client.Options
		// APIKey authenticates the built client when set.
		APIKey string
		// TaskQueue is the queue served by the workers running entities.
		// Required.
		TaskQueue string
		// ConsoleURL is the base URL of the Temporal UI. Empty disables
		// console links.
		ConsoleURL string
		// Instrumentation toggles OTEL tracing and metrics.
		Instrumentation InstrumentationOptions
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// InstrumentationOptions configures the OTEL interceptor and metrics
	// handler installed on clients and workers.
	InstrumentationOptions struct {
		DisableTracing bool
		DisableMetrics bool
		TracerOptions  temporalotel.TracerOptions
		MetricsOptions temporalotel.MetricsHandlerOptions
	}

	// Dispatcher implements engine.Dispatcher with Temporal workflow
	// executions. Safe for concurrent use.
	Dispatcher struct {
		client      workflowClient
		closer      func()
		namespace   string
		queue       string
		consoleURL  string
		logger      telemetry.Logger
		instruments *instrumentation
	}

	// Input is the payload of entity workflows.
	Input struct {
		Inputs map[string]any   `json:"inputs"`
		Parent engine.Execution `json:"parent"`
	}

	// workflowClient is the subset of client.Client used by the dispatcher.
	workflowClient interface {
		ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow any, args ...any) (client.WorkflowRun, error)
		DescribeWorkflowExecution(ctx context.Context, workflowID, runID string) (*workflowservice.DescribeWorkflowExecutionResponse, error)
		GetWorkflow(ctx context.Context, workflowID, runID string) client.WorkflowRun
		TerminateWorkflow(ctx context.Context, workflowID, runID, reason string, details ...any) error
	}

	instrumentation struct {
		tracer  interceptor.Interceptor
		metrics client.MetricsHandler
	}
)

var _ engine.Dispatcher = (*Dispatcher)(nil)

// New returns a dispatcher. Either Client or ClientOptions must be set.
func New(opts Options) (*Dispatcher, error) {
	if opts.TaskQueue == "" {
		return nil, errors.New("temporal dispatcher: task queue is required")
	}
	inst, err := configureInstrumentation(opts.Instrumentation)
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		queue:       opts.TaskQueue,
		consoleURL:  strings.TrimRight(opts.ConsoleURL, "/"),
		logger:      opts.Logger,
		instruments: inst,
		closer:      func() {},
	}
	if d.logger == nil {
		d.logger = telemetry.NewNoopLogger()
	}
	cli := opts.Client
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, errors.New("temporal dispatcher: client options are required when Client is nil")
		}
		copts := *opts.ClientOptions
		if opts.APIKey != "" {
			copts.Credentials = client.NewAPIKeyStaticCredentials(opts.APIKey)
		}
		applyClientInstrumentation(&copts, inst)
		cli, err = client.NewLazyClient(copts)
		if err != nil {
			return nil, fmt.Errorf("temporal dispatcher: create client: %w", err)
		}
		d.closer = cli.Close
		d.namespace = copts.Namespace
	} else if opts.ClientOptions != nil {
		d.namespace = opts.ClientOptions.Namespace
	}
	if d.namespace == "" {
		d.namespace = client.DefaultNamespace
	}
	d.client = cli
	return d, nil
}

// Client returns the underlying Temporal client, nil when the dispatcher
// was built around a narrower client.
func (d *Dispatcher) Client() client.Client {
	c, _ := d.client.(client.Client)
	return c
}

// Dispatch starts the workflow of req.Entity with ID req.ID.
func (d *Dispatcher) Dispatch(ctx context.Context, req engine.DispatchRequest) (engine.Handle, error) {
	opts := client.StartWorkflowOptions{
		ID:                       req.ID,
		TaskQueue:                d.queue,
		WorkflowIDConflictPolicy: enumspb.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
		Memo: map[string]any{
			"eager_parent_task":      req.Parent.TaskID,
			"eager_parent_execution": req.Parent.ExecutionID,
		},
	}
	run, err := d.client.ExecuteWorkflow(ctx, opts, WorkflowName(req.Entity), Input{Inputs: req.Inputs, Parent: req.Parent})
	if err != nil {
		return engine.Handle{}, mapError(err)
	}
	return engine.Handle{ID: run.GetID(), RunID: run.GetRunID(), Entity: req.Entity}, nil
}

// Sync describes the execution and fetches its result once closed.
func (d *Dispatcher) Sync(ctx context.Context, h engine.Handle) (engine.Status, error) {
	resp, err := d.client.DescribeWorkflowExecution(ctx, h.ID, h.RunID)
	if err != nil {
		return engine.Status{}, mapError(err)
	}
	info := resp.GetWorkflowExecutionInfo()
	st := engine.Status{Phase: phaseOf(info.GetStatus())}
	switch {
	case info.GetCloseTime() != nil:
		st.UpdatedAt = info.GetCloseTime().AsTime()
	case info.GetStartTime() != nil:
		st.UpdatedAt = info.GetStartTime().AsTime()
	}
	switch st.Phase {
	case engine.PhaseSucceeded:
		var out map[string]any
		if err := d.client.GetWorkflow(ctx, h.ID, h.RunID).Get(ctx, &out); err != nil {
			return engine.Status{}, fmt.Errorf("get result: %w", mapError(err))
		}
		st.Outputs = out
	case engine.PhaseFailed:
		err := d.client.GetWorkflow(ctx, h.ID, h.RunID).Get(ctx, nil)
		st.Error = executionError(err)
	}
	return st, nil
}

// Terminate terminates the execution.
func (d *Dispatcher) Terminate(ctx context.Context, h engine.Handle, reason string) error {
	err := d.client.TerminateWorkflow(ctx, h.ID, h.RunID, reason)
	if err == nil {
		d.logger.Debug(ctx, "terminated workflow", "workflow_id", h.ID, "run_id", h.RunID)
	}
	return mapError(err)
}

// ConsoleURL links the execution history in the Temporal UI.
func (d *Dispatcher) ConsoleURL(h engine.Handle) string {
	if d.consoleURL == "" {
		return ""
	}
	link := fmt.Sprintf("%s/namespaces/%s/workflows/%s", d.consoleURL, url.PathEscape(d.namespace), url.PathEscape(h.ID))
	if h.RunID != "" {
		link += "/" + url.PathEscape(h.RunID)
	}
	return link + "/history"
}

// NewWorker returns a worker serving the dispatcher task queue with the
// dispatcher client and instrumentation.
func (d *Dispatcher) NewWorker(opts WorkerOptions) (*Worker, error) {
	cli := d.Client()
	if cli == nil {
		return nil, errors.New("temporal dispatcher: worker requires a full client")
	}
	applyWorkerInstrumentation(&opts.Options, d.instruments)
	w := worker.New(cli, d.queue, opts.Options)
	return newWorker(w, w, opts, d.logger), nil
}

// Close closes the client when the dispatcher built it.
func (d *Dispatcher) Close() {
	d.closer()
}

// WorkflowName returns the workflow type registered for ref.
func WorkflowName(ref engine.EntityRef) string {
	if ref.Version == "" {
		return ref.Name
	}
	return ref.Name + "@" + ref.Version
}

func phaseOf(s enumspb.WorkflowExecutionStatus) engine.Phase {
	switch s {
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return engine.PhaseSucceeded
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED:
		return engine.PhaseFailed
	case enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED, enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return engine.PhaseAborted
	case enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return engine.PhaseTimedOut
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING, enumspb.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW:
		return engine.PhaseRunning
	default:
		return engine.PhaseQueued
	}
}

// executionError extracts the application error raised by the entity.
func executionError(err error) *engine.ExecutionError {
	if err == nil {
		return &engine.ExecutionError{Kind: engine.ErrorKindSystem, Message: "workflow failed without error"}
	}
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		kind := appErr.Type()
		if kind == "" {
			kind = engine.ErrorKindUser
		}
		return &engine.ExecutionError{Kind: kind, Message: appErr.Message()}
	}
	var panicErr *temporal.PanicError
	if errors.As(err, &panicErr) {
		return &engine.ExecutionError{Kind: engine.ErrorKindSystem, Message: "panic: " + panicErr.Error()}
	}
	return &engine.ExecutionError{Kind: engine.ErrorKindSystem, Message: err.Error()}
}

// mapError translates service errors into engine sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %w", engine.ErrExecutionNotFound, err)
	}
	var exhausted *serviceerror.ResourceExhausted
	if errors.As(err, &exhausted) {
		return fmt.Errorf("%w: %w", engine.ErrThrottled, err)
	}
	return err
}

func configureInstrumentation(opts InstrumentationOptions) (*instrumentation, error) {
	inst := &instrumentation{}
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(opts.TracerOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal dispatcher: configure tracing interceptor: %w", err)
		}
		inst.tracer = tracer
	}
	if !opts.DisableMetrics {
		inst.metrics = temporalotel.NewMetricsHandler(opts.MetricsOptions)
	}
	return inst, nil
}

func applyClientInstrumentation(opts *client.Options, inst *instrumentation) {
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
	if inst.metrics != nil && opts.MetricsHandler == nil {
		opts.MetricsHandler = inst.metrics
	}
}

func applyWorkerInstrumentation(opts *worker.Options, inst *instrumentation) {
	if inst != nil && inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
}
