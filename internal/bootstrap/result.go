package bootstrap

import (
	"bytes"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/voxlabs/voxstack/internal/probe"
	"github.com/voxlabs/voxstack/internal/provision"
	"github.com/voxlabs/voxstack/internal/runtime"
)

type Step string

const (
	StepNetwork Step = "network"
	StepBuild   Step = "build"
	StepStart   Step = "start"
	StepModels  Step = "models"
	StepProbe   Step = "probe"
)

type StepStatus string

const (
	StepOK      StepStatus = "ok"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepRecord is one orchestration action and how it went. Service is empty
// for stack-wide steps.
type StepRecord struct {
	Step    Step          `json:"step"`
	Service string        `json:"service,omitempty"`
	Status  StepStatus    `json:"status"`
	Detail  string        `json:"detail,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// ServiceOutcome classifies how a service came out of the run. A timed-out
// service keeps running and may become ready later; failed means a step
// error stopped it from starting at all.
type ServiceOutcome string

const (
	ServiceReady    ServiceOutcome = "ready"
	ServiceTimedOut ServiceOutcome = "timed_out_continued"
	ServiceFailed   ServiceOutcome = "failed"
)

type Overall string

const (
	OverallReady    Overall = "ready"
	OverallDegraded Overall = "degraded"
	OverallFailed   Overall = "failed"
)

// ServiceResult is the per-service record of a run.
type ServiceResult struct {
	Name     string            `json:"name"`
	Outcome  ServiceOutcome    `json:"outcome"`
	Backends []runtime.Backend `json:"backends,omitempty"`
	Probe    *probe.Result     `json:"probe,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Result is the full report of one bootstrap run. Run never fails as a
// function call; everything that went wrong is in here.
type Result struct {
	RunID      string                    `json:"run_id"`
	StartedAt  time.Time                 `json:"started_at"`
	FinishedAt time.Time                 `json:"finished_at"`
	Steps      []StepRecord              `json:"steps"`
	Services   map[string]*ServiceResult `json:"services"`
	Models     []provision.Result        `json:"models,omitempty"`
	Overall    Overall                   `json:"overall"`

	// order preserves config order for reports.
	order []string
}

func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// ExitCode maps the overall state to a process exit code. Degraded exits
// zero: continuing with a partial stack is the contract, and the report
// says what is missing.
func (r *Result) ExitCode() int {
	if r.Overall == OverallFailed {
		return 1
	}
	return 0
}

// DegradedServices lists services that are not ready, in config order.
func (r *Result) DegradedServices() []string {
	var names []string
	for _, name := range r.order {
		if svc := r.Services[name]; svc != nil && svc.Outcome != ServiceReady {
			names = append(names, name)
		}
	}
	return names
}

// FetchedModels lists models that ended the run present on the host.
func (r *Result) FetchedModels() []string {
	var models []string
	for _, m := range r.Models {
		if !m.Failed() {
			models = append(models, m.Model)
		}
	}
	return models
}

// Summary renders the operator report.
func (r *Result) Summary() string {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "bootstrap run %s: %s (%s)\n\n",
		shortID(r.RunID), strings.ToUpper(string(r.Overall)), r.Duration().Round(time.Millisecond))

	w := tabwriter.NewWriter(&buf, 0, 8, 2, ' ', 0)

	fmt.Fprintln(w, "STEP\tSERVICE\tSTATUS\tDETAIL")
	for _, step := range r.Steps {
		service := step.Service
		if service == "" {
			service = "-"
		}
		detail := step.Detail
		if detail == "" && step.Elapsed > 0 {
			detail = step.Elapsed.Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", step.Step, service, step.Status, detail)
	}
	w.Flush()

	fmt.Fprintln(&buf)
	fmt.Fprintln(w, "SERVICE\tOUTCOME\tBACKENDS\tDETAIL")
	for _, name := range r.order {
		svc := r.Services[name]
		if svc == nil {
			continue
		}
		detail := svc.Error
		if detail == "" && svc.Probe != nil {
			detail = fmt.Sprintf("%d attempts in %s",
				svc.Probe.Attempts, svc.Probe.Elapsed.Round(time.Millisecond))
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", name, svc.Outcome, len(svc.Backends), detail)
	}
	w.Flush()

	if len(r.Models) > 0 {
		fmt.Fprintln(&buf)
		fmt.Fprintln(w, "MODEL\tROLES\tSTATUS\tDETAIL")
		for _, m := range r.Models {
			detail := m.Error
			if detail == "" {
				detail = m.Elapsed.Round(time.Millisecond).String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				m.Model, strings.Join(m.Roles, ","), m.Status, detail)
		}
		w.Flush()
	}

	return buf.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
