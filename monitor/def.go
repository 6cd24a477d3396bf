package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"WeaponDetClient/engine"
	iface "WeaponDetClient/interface"
	"WeaponDetClient/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

var (
	PID      process.Process
	Registry = prometheus.NewRegistry()

	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})
	JobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "detection_jobs_total",
		Help: "Detection jobs by media kind and outcome",
	}, []string{"kind", "outcome"})
	JobErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "detection_job_errors_total",
		Help: "Failed detection jobs by error kind",
	}, []string{"error"})
	RenderFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "annotation_failures_total",
		Help: "Annotation renders that failed after a successful detection",
	})
	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "detection_job_duration_seconds",
		Help:    "Time from submission to the service's reply",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"kind"})
	JobProgress = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "detection_job_progress_percent",
		Help: "Progress of the most recently reported job",
	})
	DetectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "weapon_detections_total",
		Help: "Detections returned by the service by class",
	}, []string{"class"})
	ServiceUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "detection_service_up",
		Help: "1 when the detection service reports healthy with its model loaded",
	})
	GRPCTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grpc_requests_total",
		Help: "Total number of gRPC requests processed",
	})
)

func init() {
	Registry.MustRegister(memUsage, cpuUsage, JobsTotal, JobErrors, RenderFailures,
		JobDuration, JobProgress, DetectionsTotal, ServiceUp, GRPCTotal)
}

// Observe records one orchestrator event.
func Observe(ev iface.Event) {
	switch ev.Type {
	case iface.EventProgress:
		JobProgress.Set(float64(ev.Percent))
	case iface.EventCompleted:
		JobsTotal.WithLabelValues(ev.Kind.String(), "succeeded").Inc()
		JobDuration.WithLabelValues(ev.Kind.String()).Observe(ev.Elapsed)
		if ev.Result != nil {
			RecordDetections(engine.ForResult(ev.Result).Stats())
		}
	case iface.EventFailed:
		JobsTotal.WithLabelValues(ev.Kind.String(), "failed").Inc()
		JobDuration.WithLabelValues(ev.Kind.String()).Observe(ev.Elapsed)
		JobErrors.WithLabelValues(iface.KindOf(ev.Err).String()).Inc()
	case iface.EventRenderErr:
		RenderFailures.Inc()
	}
}

func RecordDetections(stats []iface.ClassStats) {
	for _, s := range stats {
		DetectionsTotal.WithLabelValues(s.ClassName).Add(float64(s.Count))
	}
}

func SetServiceUp(up bool) {
	if up {
		ServiceUp.Set(1)
		return
	}
	ServiceUp.Set(0)
}

func CheckProcessInfo() {
	if memInfo, err := PID.MemoryInfo(); err == nil {
		memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpuPercent, err := PID.CPUPercent(); err == nil {
		cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

func GotPID() {
	PID.Pid = int32(os.Getpid())
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// StartMon serves /metrics on port and samples process usage until ctx ends.
func StartMon(port int, ctx context.Context) {
	log := logger.Named("monitor")
	PID = process.Process{}
	GotPID()

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", zap.Int("port", port), zap.Error(err))
		}
	}()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			CheckProcessInfo()
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown", zap.Error(err))
	}
}
