package sdruntime

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBuildScheduleTwoUniformSteps(t *testing.T) {
	s, err := BuildSchedule(ScheduleConfig{
		NumSteps:         2,
		NumTrainingSteps: 1000,
		Discretization:   DiscretizationUniform,
		LinearStart:      0.00085,
		LinearEnd:        0.012,
		Eta:              0,
	})
	if err != nil {
		t.Fatalf("BuildSchedule() error = %v", err)
	}

	if diff := cmp.Diff([]int{1, 501}, s.TimeSteps); diff != "" {
		t.Errorf("TimeSteps mismatch (-want +got):\n%s", diff)
	}
	if !(s.Alpha[0] > s.Alpha[1]) {
		t.Errorf("alpha[0]=%v should exceed alpha[1]=%v", s.Alpha[0], s.Alpha[1])
	}
	if s.AlphaPrev[1] != s.Alpha[0] {
		t.Errorf("alpha_prev[1]=%v, want alpha[0]=%v", s.AlphaPrev[1], s.Alpha[0])
	}
}

func TestBuildScheduleCumulativeProduct(t *testing.T) {
	cfg := DefaultScheduleConfig()
	cfg.NumSteps = 10
	s, err := BuildSchedule(cfg)
	if err != nil {
		t.Fatalf("BuildSchedule() error = %v", err)
	}

	// alpha_bar[1] = (1-beta0)(1-beta1) with betas interpolated in sqrt space.
	lo, hi := math.Sqrt(cfg.LinearStart), math.Sqrt(cfg.LinearEnd)
	b0 := lo * lo
	b1 := math.Pow(lo+(hi-lo)/float64(cfg.NumTrainingSteps-1), 2)
	want := (1 - b0) * (1 - b1)
	if math.Abs(s.Alpha[0]-want) > 1e-14 {
		t.Errorf("alpha[0] = %v, want %v", s.Alpha[0], want)
	}
	if math.Abs(s.AlphaPrev[0]-(1-b0)) > 1e-14 {
		t.Errorf("alpha_prev[0] = %v, want alpha_bar[0] = %v", s.AlphaPrev[0], 1-b0)
	}
}

func TestScheduleInvariants(t *testing.T) {
	configs := []ScheduleConfig{
		{NumSteps: 1, NumTrainingSteps: 1000, Discretization: DiscretizationUniform, LinearStart: 0.00085, LinearEnd: 0.012},
		{NumSteps: 50, NumTrainingSteps: 1000, Discretization: DiscretizationUniform, LinearStart: 0.00085, LinearEnd: 0.012, Eta: 1},
		{NumSteps: 50, NumTrainingSteps: 1000, Discretization: DiscretizationQuadratic, LinearStart: 0.00085, LinearEnd: 0.012, Eta: 0.5},
		{NumSteps: 200, NumTrainingSteps: 1000, Discretization: "quadratic", LinearStart: 0.0001, LinearEnd: 0.02},
		{NumSteps: 7, NumTrainingSteps: 10, Discretization: DiscretizationUniform, LinearStart: 0.1, LinearEnd: 0.2},
	}

	for _, cfg := range configs {
		s, err := BuildSchedule(cfg)
		if err != nil {
			t.Fatalf("BuildSchedule(%+v) error = %v", cfg, err)
		}
		if s.NumSteps() != cfg.NumSteps {
			t.Fatalf("NumSteps() = %d, want %d", s.NumSteps(), cfg.NumSteps)
		}
		for i := range s.TimeSteps {
			if s.TimeSteps[i] < 1 || s.TimeSteps[i] >= cfg.NumTrainingSteps {
				t.Errorf("%+v: time step %d out of range", cfg, s.TimeSteps[i])
			}
			if s.Alpha[i] <= 0 || s.Alpha[i] > 1 {
				t.Errorf("%+v: alpha[%d]=%v outside (0,1]", cfg, i, s.Alpha[i])
			}
			if i > 0 {
				if s.TimeSteps[i] <= s.TimeSteps[i-1] {
					t.Errorf("%+v: time steps not strictly increasing at %d", cfg, i)
				}
				if s.Alpha[i] >= s.Alpha[i-1] {
					t.Errorf("%+v: alpha not strictly decreasing at %d", cfg, i)
				}
			}
			if cfg.Eta == 0 && s.Sigma[i] != 0 {
				t.Errorf("%+v: sigma[%d]=%v, want 0 for eta=0", cfg, i, s.Sigma[i])
			}
			if math.Abs(s.AlphaSqrt[i]*s.AlphaSqrt[i]+s.SqrtOneMinusAlpha[i]*s.SqrtOneMinusAlpha[i]-1) > 1e-12 {
				t.Errorf("%+v: sqrt coefficients inconsistent at %d", cfg, i)
			}
		}
	}
}

func TestQuadraticTimeSteps(t *testing.T) {
	s, err := BuildSchedule(ScheduleConfig{
		NumSteps: 5, NumTrainingSteps: 500, Discretization: DiscretizationQuadratic,
		LinearStart: 0.00085, LinearEnd: 0.012,
	})
	if err != nil {
		t.Fatalf("BuildSchedule() error = %v", err)
	}
	// floor((sqrt(400) * i/4)^2) + 1 = 25*i^2 + 1
	if diff := cmp.Diff([]int{1, 26, 101, 226, 401}, s.TimeSteps); diff != "" {
		t.Errorf("TimeSteps mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildScheduleErrors(t *testing.T) {
	base := DefaultScheduleConfig()
	tests := []struct {
		name   string
		mutate func(*ScheduleConfig)
	}{
		{"zero steps", func(c *ScheduleConfig) { c.NumSteps = 0 }},
		{"negative steps", func(c *ScheduleConfig) { c.NumSteps = -3 }},
		{"fewer training steps than steps", func(c *ScheduleConfig) { c.NumTrainingSteps = 10; c.NumSteps = 20 }},
		{"linear start zero", func(c *ScheduleConfig) { c.LinearStart = 0 }},
		{"linear start one", func(c *ScheduleConfig) { c.LinearStart = 1 }},
		{"linear end negative", func(c *ScheduleConfig) { c.LinearEnd = -0.1 }},
		{"linear end above one", func(c *ScheduleConfig) { c.LinearEnd = 1.5 }},
		{"negative eta", func(c *ScheduleConfig) { c.Eta = -1 }},
		{"unknown discretization", func(c *ScheduleConfig) { c.Discretization = "cosine" }},
		{"time step beyond table", func(c *ScheduleConfig) { c.NumSteps = 1000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			_, err := BuildSchedule(cfg)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("BuildSchedule() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestParseDiscretization(t *testing.T) {
	tests := []struct {
		in      string
		want    Discretization
		wantErr bool
	}{
		{"uniform", DiscretizationUniform, false},
		{"", DiscretizationUniform, false},
		{"QUAD", DiscretizationQuadratic, false},
		{"quadratic", DiscretizationQuadratic, false},
		{"linear", "", true},
	}
	for _, tt := range tests {
		got, err := ParseDiscretization(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDiscretization(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDiscretization(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
