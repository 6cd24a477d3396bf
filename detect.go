package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"WeaponDetClient/client"
	"WeaponDetClient/config"
	"WeaponDetClient/engine"
	iface "WeaponDetClient/interface"
	"WeaponDetClient/logger"
	"WeaponDetClient/render"

	"go.uber.org/zap"
)

const renderWait = 30 * time.Second

// detect runs one job for path and writes its outputs into cfg.OutputDir.
func detect(ctx context.Context, cfg *config.Config, path string) error {
	log := logger.Named("detect")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	name := filepath.Base(path)
	media := &iface.Media{
		Name:        name,
		ContentType: mime.TypeByExtension(strings.ToLower(filepath.Ext(name))),
		Data:        data,
	}

	svc := client.New(cfg)
	o := newOrchestrator(cfg, svc, render.New())
	defer o.Close()

	rendered := make(chan error, 1)
	o.Subscribe(func(ev iface.Event) {
		switch ev.Type {
		case iface.EventProgress:
			log.Info("progress", zap.Int("percent", ev.Percent), zap.String("message", ev.Message))
		case iface.EventRendered:
			rendered <- nil
		case iface.EventRenderErr:
			rendered <- ev.Err
		}
	})

	if err := o.SelectMedia(media); err != nil {
		return err
	}
	job, err := o.Submit(ctx)
	if err != nil {
		return err
	}
	result, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("%s", iface.UserMessage(err))
	}
	printSummary(result)

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return err
	}
	stem := strings.TrimSuffix(name, filepath.Ext(name))

	if result.Kind == iface.Image {
		select {
		case err := <-rendered:
			if err != nil {
				log.Warn("annotation failed", zap.String("reason", iface.UserMessage(err)))
				break
			}
			png, err := o.EncodeAnnotated(".png")
			if err != nil {
				return err
			}
			out := filepath.Join(cfg.OutputDir, stem+"_annotated.png")
			if err := os.WriteFile(out, png, 0o644); err != nil {
				return err
			}
			fmt.Println("Annotated image:", out)
		case <-time.After(renderWait):
			log.Warn("annotation timed out")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if result.ProcessedMediaRef != "" {
		body, contentType, err := svc.Fetch(ctx, result.ProcessedMediaRef)
		if err != nil {
			log.Warn("processed media unavailable", zap.String("url", result.ProcessedMediaRef), zap.Error(err))
			return nil
		}
		out := filepath.Join(cfg.OutputDir, stem+"_processed"+processedExt(result.ProcessedMediaRef, contentType))
		if err := os.WriteFile(out, body, 0o644); err != nil {
			return err
		}
		fmt.Println("Processed media:", out)
	}
	return nil
}

func processedExt(ref, contentType string) string {
	if ext := filepath.Ext(strings.SplitN(ref, "?", 2)[0]); ext != "" {
		return ext
	}
	if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

func printSummary(r *iface.DetectionResult) {
	agg := engine.ForResult(r)
	fmt.Println(strings.Repeat("#", 64))
	fmt.Printf(" Job %s (%s) finished in %.2fs\n", r.ID, r.Kind, r.ProcessingTime.Seconds())
	if r.Kind == iface.Video {
		fmt.Printf(" Frames: %d processed of %d\n", r.ProcessedFrames, r.TotalFrames)
	}
	fmt.Printf(" Detections: %d\n", agg.TotalCount())
	for _, s := range agg.Stats() {
		line := fmt.Sprintf("  %-16s count=%-4d max=%3.0f%%", s.ClassName, s.Count, s.MaxConfidence*100)
		if s.HasTotal {
			line += fmt.Sprintf(" avg=%3.0f%%", s.Average()*100)
		}
		if s.DistinctFrames() > 0 {
			line += fmt.Sprintf(" frames=%d", s.DistinctFrames())
		}
		fmt.Println(line)
		if cs, ok := r.Summary[s.ClassName]; ok && cs.ThreatAnalysis != "" {
			fmt.Println("   threat:", cs.ThreatAnalysis)
		}
	}
	if len(r.Detections) > 0 {
		counts := engine.Bucketize(r.Detections).Counts()
		fmt.Println(" Confidence distribution:")
		for i, b := range engine.Buckets {
			fmt.Printf("  %-8s %d\n", b, counts[i])
		}
	}
	for _, a := range r.Analysis {
		fmt.Printf(" %s (%.0f%%): %s\n", a.Class, a.Confidence*100, a.WeaponInfo.RiskAssessment)
	}
	fmt.Println(strings.Repeat("#", 64))
}
