// Package archive exports each day's dispatch records to S3 as JSON.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofiber/fiber/v2/log"
	"github.com/robfig/cron/v3"

	"github.com/ManuelReschke/ZeusTips/app/models"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/apperror"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/dispatch"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/store"
)

const dateLayout = "2006-01-02"

// MaxCatchUpDays bounds how many missed days one run will export.
const MaxCatchUpDays = 31

// Uploader is the part of the S3 client the archiver needs.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Config struct {
	Bucket      string
	Prefix      string
	Time        string
	Location    *time.Location
	CallTimeout time.Duration
}

// Document is the JSON body of one archived day.
type Document struct {
	Date       string                  `json:"date"`
	Timezone   string                  `json:"timezone"`
	Count      int                     `json:"count"`
	Dispatches []models.DispatchRecord `json:"dispatches"`
}

type Archiver struct {
	store    store.Store
	uploader Uploader
	cfg      Config
	now      func() time.Time
}

func NewArchiver(st store.Store, uploader Uploader, cfg Config) *Archiver {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	return &Archiver{store: st, uploader: uploader, cfg: cfg, now: time.Now}
}

// WithClock returns a copy of the archiver that reads time from now.
func (a *Archiver) WithClock(now func() time.Time) *Archiver {
	cp := *a
	cp.now = now
	return &cp
}

// ObjectKey is the S3 key of the archive of day, e.g. dispatch/2026/08/01.json.
func (a *Archiver) ObjectKey(day time.Time) string {
	d := day.In(a.cfg.Location)
	return path.Join(a.cfg.Prefix, d.Format("2006"), d.Format("01"), d.Format("02")+".json")
}

// ArchiveDay uploads the dispatch records of the calendar day containing day
// and returns the object key. Empty days are uploaded too so a missing key
// always means the export did not run.
func (a *Archiver) ArchiveDay(ctx context.Context, day time.Time) (string, error) {
	d := day.In(a.cfg.Location)
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, a.cfg.Location)
	end := start.AddDate(0, 0, 1)

	recs, err := a.store.ListDispatchesBetween(ctx, start, end)
	if err != nil {
		return "", err
	}
	if recs == nil {
		recs = []models.DispatchRecord{}
	}
	body, err := json.MarshalIndent(Document{
		Date:       start.Format(dateLayout),
		Timezone:   a.cfg.Location.String(),
		Count:      len(recs),
		Dispatches: recs,
	}, "", "  ")
	if err != nil {
		return "", err
	}

	key := a.ObjectKey(start)
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()
	_, err = a.uploader.PutObject(callCtx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", apperror.Transient("archive.ArchiveDay", fmt.Errorf("put %s: %w", key, err))
	}
	log.Infof("[Archive] Uploaded %d dispatches to s3://%s/%s", len(recs), a.cfg.Bucket, key)
	return key, nil
}

// RunPending exports every finished day after the last archived one, up to
// yesterday. Without a marker only yesterday is exported. The marker only
// advances past days that were uploaded.
func (a *Archiver) RunPending(ctx context.Context) ([]string, error) {
	now := a.now().In(a.cfg.Location)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, a.cfg.Location)
	yesterday := today.AddDate(0, 0, -1)

	next := yesterday
	last, err := a.store.GetSetting(ctx, models.SettingLastArchivedDate)
	if err != nil {
		return nil, err
	}
	if last != "" {
		if t, perr := time.ParseInLocation(dateLayout, last, a.cfg.Location); perr == nil {
			next = t.AddDate(0, 0, 1)
		} else {
			log.Warnf("[Archive] Ignoring unreadable marker %q: %v", last, perr)
		}
	}
	if oldest := today.AddDate(0, 0, -MaxCatchUpDays); next.Before(oldest) {
		log.Warnf("[Archive] Marker %s is too old, resuming at %s", last, oldest.Format(dateLayout))
		next = oldest
	}

	var keys []string
	for day := next; !day.After(yesterday); day = day.AddDate(0, 0, 1) {
		key, err := a.ArchiveDay(ctx, day)
		if err != nil {
			return keys, err
		}
		keys = append(keys, key)
		if err := a.store.SetSetting(ctx, models.SettingLastArchivedDate, day.Format(dateLayout)); err != nil {
			return keys, err
		}
	}
	return keys, nil
}

// Run exports pending days once at start and then daily at the configured
// time until ctx is done.
func (a *Archiver) Run(ctx context.Context) error {
	specs, err := dispatch.CronSpecs([]string{a.cfg.Time})
	if err != nil {
		return err
	}
	logger := dispatch.CronLogger{Prefix: "[Archive]"}
	c := cron.New(
		cron.WithLocation(a.cfg.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	run := func() {
		if _, err := a.RunPending(ctx); err != nil {
			log.Errorf("[Archive] Export failed: %v", err)
		}
	}
	if _, err := c.AddFunc(specs[0], run); err != nil {
		return fmt.Errorf("add archive time %q: %w", specs[0], err)
	}

	run()
	c.Start()
	log.Infof("[Archive] Scheduled daily export at %s (%s)", a.cfg.Time, a.cfg.Location)
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
