package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/you/tg-dubber/internal/pipeline"
)

// workerHealth reads the worker's own queue; tasks still in asynq are
// handed over within moments and are not counted.
func workerHealth(ctx context.Context, client *http.Client, baseURL string) (pipeline.Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return pipeline.Health{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return pipeline.Health{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return pipeline.Health{}, fmt.Errorf("worker health: %s", resp.Status)
	}
	var body struct {
		OK bool `json:"ok"`
		pipeline.Health
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return pipeline.Health{}, fmt.Errorf("worker health: %w", err)
	}
	if !body.OK {
		return pipeline.Health{}, fmt.Errorf("worker health: not ok")
	}
	return body.Health, nil
}

func queueText(h pipeline.Health, err error) string {
	switch {
	case err != nil:
		return "อ่านคิวไม่ได้: " + err.Error()
	case !h.Running && h.QueueDepth == 0:
		return "คิวว่าง"
	case !h.Running:
		return fmt.Sprintf("รอคิว: %d", h.QueueDepth)
	}
	return fmt.Sprintf("กำลังพากย์: 1 งาน\nรอคิว: %d", h.QueueDepth)
}
