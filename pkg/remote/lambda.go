/*
Copyright © 2025 ALESSIO TONIOLO

lambda.go implements FleetProvider on top of the Lambda Cloud REST API.
*/
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// LambdaConfig configures which nodes the provider launches
type LambdaConfig struct {
	BaseURL      string
	APIToken     string
	InstanceType string
	Region       string
	Name         string // every launched node gets this name; ListRunning filters on it
	SSHKeyNames  []string
}

// LambdaProvider launches worker nodes on Lambda Cloud and reads their CPU
// utilization from the worker's own /metrics endpoint.
type LambdaProvider struct {
	config     LambdaConfig
	httpClient *http.Client
	scraper    *CPUScraper
}

type lambdaInstance struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	IP     string `json:"ip"`
	Status string `json:"status"`
}

func NewLambdaProvider(config LambdaConfig, httpClient *http.Client, scraper *CPUScraper) (*LambdaProvider, error) {
	if config.APIToken == "" {
		return nil, fmt.Errorf("lambda provider: LAMBDA_API_KEY is not set")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &LambdaProvider{config: config, httpClient: httpClient, scraper: scraper}, nil
}

func (p *LambdaProvider) makeRequest(ctx context.Context, method, endpoint string, body interface{}) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.config.BaseURL+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+p.config.APIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error: %s - %s", resp.Status, string(respBody))
	}
	return resp, nil
}

func (p *LambdaProvider) Launch(ctx context.Context) (string, error) {
	launchReq := struct {
		RegionName       string   `json:"region_name"`
		InstanceTypeName string   `json:"instance_type_name"`
		SSHKeyNames      []string `json:"ssh_key_names"`
		Name             string   `json:"name,omitempty"`
		Quantity         int      `json:"quantity"`
	}{
		RegionName:       p.config.Region,
		InstanceTypeName: p.config.InstanceType,
		SSHKeyNames:      p.config.SSHKeyNames,
		Name:             p.config.Name,
		Quantity:         1,
	}

	resp, err := p.makeRequest(ctx, http.MethodPost, "/instance-operations/launch", launchReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var response struct {
		Data struct {
			InstanceIDs []string `json:"instance_ids"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(response.Data.InstanceIDs) == 0 {
		return "", fmt.Errorf("no instance IDs returned")
	}
	return response.Data.InstanceIDs[0], nil
}

func (p *LambdaProvider) PollStatus(ctx context.Context, nodeID string) (NodeStatus, error) {
	resp, err := p.makeRequest(ctx, http.MethodGet, "/instances/"+nodeID, nil)
	if err != nil {
		return NodeStatus{}, err
	}
	defer resp.Body.Close()

	var response struct {
		Data lambdaInstance `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return NodeStatus{}, fmt.Errorf("failed to decode response: %w", err)
	}

	return NodeStatus{
		Node:  Node{ID: nodeID, Address: response.Data.IP},
		State: lambdaState(response.Data.Status),
		Raw:   response.Data.Status,
	}, nil
}

// lambdaState maps Lambda instance statuses onto NodeState
func lambdaState(status string) NodeState {
	switch status {
	case "booting":
		return NodePending
	case "active":
		return NodeRunning
	default: // unhealthy, terminated, terminating, preempted
		return NodeOther
	}
}

func (p *LambdaProvider) Terminate(ctx context.Context, nodeID string) error {
	terminateReq := struct {
		InstanceIDs []string `json:"instance_ids"`
	}{
		InstanceIDs: []string{nodeID},
	}

	resp, err := p.makeRequest(ctx, http.MethodPost, "/instance-operations/terminate", terminateReq)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// ListRunning returns active nodes carrying the configured worker name
func (p *LambdaProvider) ListRunning(ctx context.Context) ([]Node, error) {
	resp, err := p.makeRequest(ctx, http.MethodGet, "/instances", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var response struct {
		Data []lambdaInstance `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	var nodes []Node
	for _, inst := range response.Data {
		if lambdaState(inst.Status) != NodeRunning {
			continue
		}
		if p.config.Name != "" && inst.Name != p.config.Name {
			continue
		}
		nodes = append(nodes, Node{ID: inst.ID, Address: inst.IP})
	}
	return nodes, nil
}

func (p *LambdaProvider) CPUUtilization(ctx context.Context, node Node, window time.Duration) (float64, error) {
	if p.scraper == nil {
		return 0, fmt.Errorf("%w: no CPU scraper configured", ErrMetricUnavailable)
	}
	return p.scraper.CPUUtilization(ctx, node, window)
}
