package aggregate

import (
	"math/rand"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"

	"github.com/Tutortoise/detection-stream-service/models"
)

func det(class string, id int) models.Detection {
	return models.Detection{BBox: [4]int{0, 0, 10, 10}, Confidence: 0.5, Class: class, ClassID: id}
}

func newTestAggregator() (*Aggregator, *clock.Mock) {
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 10, 5, 12, 0, 0, 0, time.UTC))
	return New(clk, BottleRule), clk
}

func TestAggregateEmpty(t *testing.T) {
	agg, clk := newTestAggregator()
	res := agg.Aggregate(nil)

	test.That(t, res.Success, test.ShouldBeTrue)
	test.That(t, res.Detections, test.ShouldNotBeNil)
	test.That(t, res.Detections, test.ShouldHaveLength, 0)
	test.That(t, res.Counts, test.ShouldResemble, map[string]int{})
	test.That(t, res.Warnings, test.ShouldResemble, []models.Warning{})
	test.That(t, res.TotalObjects, test.ShouldEqual, 0)
	test.That(t, res.Timestamp, test.ShouldEqual, clk.Now())
}

func TestAggregateCountsSumToTotal(t *testing.T) {
	agg, _ := newTestAggregator()
	res := agg.Aggregate([]models.Detection{det("person", 0), det("bottle", 39), det("person", 0)})

	test.That(t, res.Counts, test.ShouldResemble, map[string]int{"person": 2, "bottle": 1})
	sum := 0
	for _, n := range res.Counts {
		sum += n
	}
	test.That(t, sum, test.ShouldEqual, res.TotalObjects)
	test.That(t, res.TotalObjects, test.ShouldEqual, 3)
}

func TestAggregateOrderIndependent(t *testing.T) {
	agg, _ := newTestAggregator()
	dets := []models.Detection{
		det("person", 0), det("bottle", 39), det("cup", 41), det("bottle", 39), det("person", 0), det("chair", 56),
	}
	want := agg.Aggregate(dets)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]models.Detection(nil), dets...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got := agg.Aggregate(shuffled)
		test.That(t, got.Counts, test.ShouldResemble, want.Counts)
		test.That(t, got.Warnings, test.ShouldResemble, want.Warnings)
		test.That(t, got.TotalObjects, test.ShouldEqual, want.TotalObjects)
	}
}

func TestBottleWarning(t *testing.T) {
	agg, _ := newTestAggregator()

	none := agg.Aggregate([]models.Detection{det("person", 0), det("cup", 41)})
	test.That(t, none.Warnings, test.ShouldHaveLength, 0)

	for _, bottles := range []int{1, 2, 5} {
		dets := []models.Detection{det("person", 0)}
		for i := 0; i < bottles; i++ {
			dets = append(dets, det("bottle", 39))
		}
		res := agg.Aggregate(dets)
		test.That(t, res.Warnings, test.ShouldHaveLength, 1)
		test.That(t, res.Warnings[0].Type, test.ShouldEqual, "bottle_detected")
		test.That(t, res.Warnings[0].Severity, test.ShouldEqual, models.SeverityHigh)
	}
}

func TestRulesEvaluateInOrder(t *testing.T) {
	crowd := ClassCountRule{Type: "crowd", Class: "person", Threshold: 2, Message: "too many people", Severity: models.SeverityMedium}
	agg := New(clock.NewMock(), BottleRule, crowd)

	res := agg.Aggregate([]models.Detection{det("person", 0), det("person", 0), det("person", 0), det("bottle", 39)})
	test.That(t, res.Warnings, test.ShouldHaveLength, 2)
	test.That(t, res.Warnings[0].Type, test.ShouldEqual, "bottle_detected")
	test.That(t, res.Warnings[1].Type, test.ShouldEqual, "crowd")

	res = agg.Aggregate([]models.Detection{det("person", 0), det("person", 0)})
	test.That(t, res.Warnings, test.ShouldHaveLength, 0)
}
