package streams

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/turbolytics/tap-youtube-analytics/pkg/transform"
)

const reportPageSize = "50"

// Artifact is one generated report file of a reporting job.
type Artifact struct {
	ID          string
	JobID       string
	StartTime   string
	EndTime     string
	CreateTime  string
	DownloadURL string
}

func parseArtifact(item Record) Artifact {
	return Artifact{
		ID:          stringValue(item["id"]),
		JobID:       stringValue(item["jobId"]),
		StartTime:   stringValue(item["startTime"]),
		EndTime:     stringValue(item["endTime"]),
		CreateTime:  stringValue(item["createTime"]),
		DownloadURL: stringValue(item["downloadUrl"]),
	}
}

// Job is a reporting job: a standing server-side resource that generates
// artifacts for one report type.
type Job struct {
	ID           string
	ReportTypeID string
	Name         string
	CreateTime   string
}

func parseJob(item Record) Job {
	return Job{
		ID:           stringValue(item["id"]),
		ReportTypeID: stringValue(item["reportTypeId"]),
		Name:         stringValue(item["name"]),
		CreateTime:   stringValue(item["createTime"]),
	}
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func (s *Stream) reportingURL(sc *SyncContext, path string) string {
	return strings.TrimRight(sc.Client.ReportingURL(), "/") + "/" + path
}

// reportBound returns the lower creation-time bound for artifacts: the
// session watermark, pulled back to now minus the attribution window when
// the watermark is more recent than that.
func (s *Stream) reportBound(sc *SyncContext, sess *session) time.Time {
	cutoff := sc.now().Add(-sc.attribution())
	if sess.watermark.After(cutoff) {
		return cutoff
	}
	return sess.watermark
}

func (s *Stream) syncReport(ctx context.Context, sc *SyncContext) (int, error) {
	logger := sc.logger().With(zap.String("stream", s.ID()))
	sess := s.begin(sc)
	bound := s.reportBound(sc, sess)

	jobID, err := s.resolveJob(ctx, sc, logger)
	if err != nil {
		return 0, err
	}

	params := url.Values{
		"createdAfter":       {bound.Format(time.RFC3339)},
		"startTimeAtOrAfter": {sc.StartDate.UTC().Format(time.RFC3339)},
		"pageSize":           {reportPageSize},
	}
	if !sc.EndDate.IsZero() {
		params.Set("startTimeBefore", sc.EndDate.UTC().Format(time.RFC3339))
	}
	logger.Info("listing report artifacts",
		zap.String("job_id", jobID),
		zap.Time("created_after", bound),
	)

	before := s.emitted
	p := sc.paginator(s.reportingURL(sc, "jobs/"+url.PathEscape(jobID)+"/reports"), params, "reports", "reports", logger)
	for {
		item, err := p.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return s.emittedSince(before), fmt.Errorf("list reports of job %s: %w", jobID, err)
		}

		a := parseArtifact(item)
		if a.DownloadURL == "" {
			logger.Warn("report artifact has no download url", zap.String("report_id", a.ID))
			sc.Metrics.Artifact(s.ID(), "skipped")
			continue
		}
		created, perr := transform.ParseTimestamp(a.CreateTime)
		if perr == nil && created.Before(bound) {
			sc.Metrics.Artifact(s.ID(), "skipped")
			continue
		}

		rows, err := s.syncArtifact(ctx, sc, a, logger)
		if err != nil {
			if fatal(ctx, err) {
				return s.emittedSince(before), err
			}
			logger.Warn("skipping report artifact",
				zap.String("report_id", a.ID),
				zap.Error(err),
			)
			sc.Metrics.Artifact(s.ID(), "failed")
		} else {
			sc.Metrics.Artifact(s.ID(), "synced")
		}
		if rows > 0 && perr == nil {
			sess.observe(created, transform.NormalizeTimestamp(a.CreateTime))
		}
	}
	logger.Info("report artifacts listed",
		zap.String("job_id", jobID),
		zap.Int("pages", p.Pages()),
		zap.Int("records", s.emittedSince(before)),
	)
	return s.emittedSince(before), nil
}

func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, ErrIntegrity) || errors.Is(err, ErrTarget)
}

// syncArtifact downloads one artifact and emits its rows. It returns the
// number of rows read.
func (s *Stream) syncArtifact(ctx context.Context, sc *SyncContext, a Artifact, logger *zap.Logger) (int, error) {
	it, err := sc.Client.GetReport(ctx, a.DownloadURL, "report_download")
	if err != nil {
		return 0, fmt.Errorf("download report %s: %w", a.ID, err)
	}
	defer it.Close()

	meta := transform.ReportMeta{
		ID:           a.ID,
		ReportTypeID: s.Def.ReportType,
		Name:         s.ID(),
		CreateTime:   transform.NormalizeTimestamp(a.CreateTime),
	}

	rows := 0
	for {
		row, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return rows, fmt.Errorf("read report %s: %w", a.ID, err)
		}
		for _, d := range s.Def.Dimensions {
			if _, ok := row[d]; !ok {
				return rows, fmt.Errorf("%w: report %s has no dimension %q", ErrIntegrity, a.ID, d)
			}
		}
		rec := transform.ReportRecord(row, s.Def.Dimensions, meta, sc.Lookup, logger)
		transform.NormalizeDates(rec)
		rows++
		if err := s.emit(ctx, sc, rec); err != nil {
			return rows, err
		}
	}
	if rows == 0 {
		logger.Info("report artifact has no rows", zap.String("report_id", a.ID))
	}
	return rows, nil
}

// resolveJob finds the reporting job of the stream's report type, creating
// it when none exists. The result is remembered for the rest of the sync.
func (s *Stream) resolveJob(ctx context.Context, sc *SyncContext, logger *zap.Logger) (string, error) {
	reportType := s.Def.ReportType
	if id, ok := sc.jobs().Get(reportType); ok {
		return id, nil
	}

	fsm := NewFSM(FSMWithLogger(logger))
	// fail moves the FSM to failed and logs the state resolution stopped in.
	fail := func(err error) error {
		from := fsm.Current()
		if terr := fsm.Transition(JobFailed); terr != nil {
			return errors.Join(err, terr)
		}
		logger.Error("reporting job resolution failed",
			zap.String("report_type", reportType),
			zap.String("state", string(from)),
			zap.Error(err),
		)
		return err
	}
	params := url.Values{
		"includeSystemManaged": {"true"},
		"pageSize":             {reportPageSize},
	}
	p := sc.paginator(s.reportingURL(sc, "jobs"), params, "jobs", "jobs", logger)

	var jobID string
	for {
		item, err := p.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fail(fmt.Errorf("list reporting jobs: %w", err))
		}
		if job := parseJob(item); job.ReportTypeID == reportType && job.ID != "" {
			jobID = job.ID
			logger.Debug("found reporting job",
				zap.String("job_id", job.ID),
				zap.String("name", job.Name),
				zap.String("create_time", job.CreateTime),
			)
			break
		}
	}

	if jobID != "" {
		if err := fsm.Transition(JobFound); err != nil {
			return "", err
		}
	} else {
		if err := fsm.Transition(JobCreating); err != nil {
			return "", err
		}
		resp, err := sc.Client.Post(ctx, s.reportingURL(sc, "jobs"), map[string]string{
			"name":         s.ID(),
			"reportTypeId": reportType,
		}, "job_create")
		if err != nil {
			return "", fail(fmt.Errorf("create reporting job for %s: %w", reportType, err))
		}
		jobID = parseJob(resp).ID
		if jobID == "" {
			return "", fail(fmt.Errorf("create reporting job for %s: response has no id", reportType))
		}
		logger.Info("created reporting job",
			zap.String("report_type", reportType),
			zap.String("job_id", jobID),
		)
	}
	if err := fsm.Transition(JobReady); err != nil {
		return "", err
	}
	sc.jobs().Put(reportType, jobID)
	return jobID, nil
}
