package monitoring

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/rentgrid/backend/internal/model"
)

// ResourceTypeEC2 marks catalog resources backed by an EC2 instance.
const ResourceTypeEC2 = "aws-ec2"

// MetricsSource collects one sample for a resource.
type MetricsSource interface {
	Collect(ctx context.Context, r *model.Resource) (*model.MetricsSample, error)
}

// SyntheticSource produces a bounded random walk per resource. It stands in
// for an agent feed in local and demo deployments.
type SyntheticSource struct {
	mu   sync.Mutex
	last map[string]model.MetricsSample
	rng  *rand.Rand
	now  func() time.Time
}

// NewSyntheticSource creates a SyntheticSource seeded with seed.
func NewSyntheticSource(seed uint64) *SyntheticSource {
	return &SyntheticSource{
		last: make(map[string]model.MetricsSample),
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func (s *SyntheticSource) step(v, spread, lo, hi float64) float64 {
	return clamp(v+(s.rng.Float64()*2-1)*spread, lo, hi)
}

// Collect implements MetricsSource.
func (s *SyntheticSource) Collect(ctx context.Context, r *model.Resource) (*model.MetricsSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.last[r.ID]
	if !ok {
		prev = model.MetricsSample{
			CPUUsage:     20 + s.rng.Float64()*40,
			MemoryUsage:  30 + s.rng.Float64()*40,
			DiskUsage:    10 + s.rng.Float64()*50,
			ResponseTime: 20 + s.rng.Float64()*80,
			Availability: 99 + s.rng.Float64(),
		}
	}

	next := model.MetricsSample{
		ResourceID:   r.ID,
		CPUUsage:     s.step(prev.CPUUsage, 8, 0, 100),
		MemoryUsage:  s.step(prev.MemoryUsage, 5, 0, 100),
		DiskUsage:    s.step(prev.DiskUsage, 1, 0, 100),
		NetworkIn:    s.rng.Float64() * 1000,
		NetworkOut:   s.rng.Float64() * 1000,
		ResponseTime: s.step(prev.ResponseTime, 15, 1, 2000),
		Availability: s.step(prev.Availability, 0.2, 90, 100),
		Timestamp:    s.now(),
	}
	next.Cost, _ = r.PricePerHour.Float64()
	s.last[r.ID] = next

	out := next
	return &out, nil
}

// InstanceStatusAPI is the EC2 call used by EC2AvailabilitySource.
type InstanceStatusAPI interface {
	DescribeInstanceStatus(ctx context.Context, params *ec2.DescribeInstanceStatusInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error)
}

// EC2AvailabilitySource overrides the availability of EC2-backed resources
// with the instance's reported status: 100 when running with passing checks,
// 0 otherwise.
type EC2AvailabilitySource struct {
	next    MetricsSource
	clients func(region string) InstanceStatusAPI
}

// NewEC2AvailabilitySource wraps next. clients returns the EC2 client for a
// region.
func NewEC2AvailabilitySource(next MetricsSource, clients func(region string) InstanceStatusAPI) *EC2AvailabilitySource {
	return &EC2AvailabilitySource{next: next, clients: clients}
}

// Collect implements MetricsSource.
func (s *EC2AvailabilitySource) Collect(ctx context.Context, r *model.Resource) (*model.MetricsSample, error) {
	sample, err := s.next.Collect(ctx, r)
	if err != nil {
		return nil, err
	}
	if r.ResourceType != ResourceTypeEC2 || r.InstanceID == "" {
		return sample, nil
	}

	out, err := s.clients(r.Region).DescribeInstanceStatus(ctx, &ec2.DescribeInstanceStatusInput{
		InstanceIds:         []string{r.InstanceID},
		IncludeAllInstances: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("describe instance status %s: %w", r.InstanceID, err)
	}

	sample.Availability = 0
	for _, st := range out.InstanceStatuses {
		if aws.ToString(st.InstanceId) != r.InstanceID {
			continue
		}
		if running(st) {
			sample.Availability = 100
		}
	}
	return sample, nil
}

func running(st types.InstanceStatus) bool {
	if st.InstanceState == nil || st.InstanceState.Name != types.InstanceStateNameRunning {
		return false
	}
	if st.InstanceStatus != nil && st.InstanceStatus.Status == types.SummaryStatusImpaired {
		return false
	}
	if st.SystemStatus != nil && st.SystemStatus.Status == types.SummaryStatusImpaired {
		return false
	}
	return true
}
