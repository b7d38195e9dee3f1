package simclr

import (
	"fmt"

	"k8s.io/klog/v2"
)

// Metric names reported by the orchestrator.
const (
	MetricLearningRate  = "learning_rate"
	MetricTrainLoss     = "train_loss"
	MetricProbeTrainAcc = "probe_train_accuracy"
	MetricProbeTestAcc  = "probe_test_accuracy"
)

// Sink receives the per-epoch metrics emitted by the Pretrainer: the learning
// rate at the top of each epoch, the mean training loss, and the probe
// accuracies at evaluation epochs.
type Sink interface {
	Record(epoch int, name string, value float64)
}

// LogSink prints metrics to stdout and klog's verbose log.
type LogSink struct{}

func (LogSink) Record(epoch int, name string, value float64) {
	fmt.Printf("epoch %d: %s=%g\n", epoch, name, value)
	klog.V(1).Infof("epoch %d: %s=%g", epoch, name, value)
}

// MemorySink accumulates metrics in memory, mostly for tests.
type MemorySink struct {
	Entries []MetricEntry
}

type MetricEntry struct {
	Epoch int
	Name  string
	Value float64
}

func (s *MemorySink) Record(epoch int, name string, value float64) {
	s.Entries = append(s.Entries, MetricEntry{Epoch: epoch, Name: name, Value: value})
}

// Get returns the recorded values for a metric name, in recording order.
func (s *MemorySink) Get(name string) []float64 {
	var values []float64
	for _, e := range s.Entries {
		if e.Name == name {
			values = append(values, e.Value)
		}
	}
	return values
}

// GetAt returns the value recorded for a metric at an epoch.
func (s *MemorySink) GetAt(epoch int, name string) (value float64, found bool) {
	for _, e := range s.Entries {
		if e.Epoch == epoch && e.Name == name {
			return e.Value, true
		}
	}
	return 0, false
}
