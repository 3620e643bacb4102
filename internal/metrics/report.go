package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"tradesim/logger"
)

// StartReport logs a runtime report every interval until ctx is done.
// subscribers may be nil.
func StartReport(ctx context.Context, log *logger.Log, interval time.Duration, subscribers func() int) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log, subscribers)
			}
		}
	}()
}

// Report is one runtime sample.
type Report struct {
	CPUPercent  float64
	MemoryMB    float64
	Goroutines  int
	Subscribers int
	Warnings    int64
	Errors      int64
}

func collectReport(subscribers func() int) Report {
	r := Report{Goroutines: runtime.NumGoroutine()}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		r.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		r.MemoryMB = float64(vm.Used) / 1024 / 1024
	}
	if subscribers != nil {
		r.Subscribers = subscribers()
	}
	for _, c := range logger.Counts() {
		r.Warnings += c.Warns
		r.Errors += c.Errors
	}
	return r
}

func logReport(ctx context.Context, log *logger.Log, subscribers func() int) {
	if log == nil {
		log = logger.GetLogger()
	}
	r := collectReport(subscribers)

	log.WithComponent("metrics").WithFields(logger.Fields{
		"cpu_percent": r.CPUPercent,
		"memory_mb":   int64(r.MemoryMB),
		"goroutines":  r.Goroutines,
		"subscribers": r.Subscribers,
		"warnings":    r.Warnings,
		"errors":      r.Errors,
	}).Info("runtime report")

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	publish(ctx, cwState.Load(), []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(r.CPUPercent)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(r.MemoryMB)},
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(r.Goroutines))},
		{MetricName: aws.String("Subscribers"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(r.Subscribers))},
		{MetricName: aws.String("Warnings"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(r.Warnings))},
		{MetricName: aws.String("Errors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(r.Errors))},
	})
}
