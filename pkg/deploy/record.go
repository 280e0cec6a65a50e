package deploy

import (
	"stagehand/pkg/models"
	"stagehand/pkg/pipeline"
)

// NewRunRecord converts a finished report into its history row.
func NewRunRecord(report *pipeline.RunReport, host, logURI string) *models.Run {
	run := &models.Run{
		ID:         report.ID,
		Variant:    report.Variant,
		Host:       host,
		State:      models.RunState(report.State),
		Succeeded:  report.OverallSucceeded,
		Degraded:   report.Degraded,
		ExitCode:   report.ExitCode(),
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		DurationMS: report.Duration().Milliseconds(),
		LogURI:     logURI,
	}
	for i, res := range report.Results {
		run.Steps = append(run.Steps, models.StepRecord{
			RunID:       report.ID,
			Seq:         i,
			Name:        res.Step.Name,
			Attempt:     string(res.Attempt),
			Command:     res.Command,
			Criticality: res.Step.Criticality.String(),
			ExitCode:    res.ExitCode,
			Succeeded:   res.Succeeded,
			Skipped:     res.Skipped,
			TimedOut:    res.TimedOut,
			DurationMS:  res.Duration.Milliseconds(),
			Output:      models.OutputTail(res.OutputLines),
		})
	}
	return run
}
