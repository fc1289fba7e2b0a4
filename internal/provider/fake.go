// internal/provider/fake.go
package provider

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory provider for tests and for running the engine without
// cloud credentials. Deploy acknowledgments are immediate; lifecycle progress
// must be driven by the caller (tests feed events straight to the state
// machine, local runs can post to the webhook endpoint by hand).
type Fake struct {
	mu sync.Mutex

	seq        int
	DeployErr  error // returned by Deploy when set
	TermErr    error // returned by Terminate when set
	Deploys    []DeployRequest
	Terminated []string
}

// NewFake returns an empty fake provider.
func NewFake() *Fake { return &Fake{} }

func (f *Fake) Deploy(_ context.Context, req DeployRequest) (Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DeployErr != nil {
		return Deployment{}, f.DeployErr
	}
	f.seq++
	f.Deploys = append(f.Deploys, req)
	return Deployment{
		ID:     fmt.Sprintf("dep-fake-%04d", f.seq),
		Status: "Status.CREATING",
	}, nil
}

func (f *Fake) Terminate(_ context.Context, deploymentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TermErr != nil {
		return f.TermErr
	}
	f.Terminated = append(f.Terminated, deploymentID)
	return nil
}

func (f *Fake) Status(_ context.Context, deploymentID string) (Deployment, error) {
	return Deployment{ID: deploymentID, Status: "Status.CREATING"}, nil
}

// TerminateCount returns how many terminate calls have been issued.
func (f *Fake) TerminateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Terminated)
}

// DeployCount returns how many deploy calls have been issued.
func (f *Fake) DeployCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Deploys)
}
