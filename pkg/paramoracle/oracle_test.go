package paramoracle

import (
	"math"
	"testing"
)

// Reference values below come from the MATLAB-derived formulation the
// matrices were ported from.

const absErr = 1e-6

func near(t *testing.T, got, want float64, what string) {
	t.Helper()
	if math.Abs(got-want) > absErr {
		t.Fatalf("%s = %.8f, want %.8f", what, got, want)
	}
}

func TestProbabilityMatrix3D(t *testing.T) {
	m, n := 6, 8
	mat := ComputeProbabilityMatrix3D(m, n)

	near(t, mat.At(1, 7, 2), 1.00000000, "m3d[1](7,2)")
	near(t, mat.At(2, 6, 3), 0.87500000, "m3d[2](6,3)")
	near(t, mat.At(2, 7, 1), 0.12500000, "m3d[2](7,1)")
	near(t, mat.At(3, 5, 4), 0.65625000, "m3d[3](5,4)")
	near(t, mat.At(3, 6, 2), 0.32812500, "m3d[3](6,2)")
	near(t, mat.At(3, 7, 1), 0.01562500, "m3d[3](7,1)")
	near(t, mat.At(4, 4, 5), 0.41015625, "m3d[4](4,5)")
	near(t, mat.At(4, 5, 3), 0.49218750, "m3d[4](5,3)")
	near(t, mat.At(4, 6, 1), 0.04101562, "m3d[4](6,1)")
	near(t, mat.At(4, 6, 2), 0.05468750, "m3d[4](6,2)")
	near(t, mat.At(4, 7, 1), 0.00195312, "m3d[4](7,1)")
	near(t, mat.At(5, 3, 6), 0.20507812, "m3d[5](3,6)")
	near(t, mat.At(5, 4, 4), 0.51269531, "m3d[5](4,4)")
	near(t, mat.At(5, 5, 2), 0.15380859, "m3d[5](5,2)")
	near(t, mat.At(5, 5, 3), 0.10253906, "m3d[5](5,3)")
	near(t, mat.At(5, 6, 1), 0.01708984, "m3d[5](6,1)")
	near(t, mat.At(5, 6, 2), 0.00854492, "m3d[5](6,2)")
	near(t, mat.At(5, 7, 1), 0.00024414, "m3d[5](7,1)")
}

func TestTransitionMatrix(t *testing.T) {
	mat := ComputeTransitionMatrix(5, 128, 5)

	near(t, mat.At(1, 1), 1.00000000, "m2d(1,1)")
	near(t, mat.At(2, 1), 0.99218750, "m2d(2,1)")
	near(t, mat.At(2, 3), 0.00781250, "m2d(2,3)")
	near(t, mat.At(3, 1), 0.97668457, "m2d(3,1)")
	near(t, mat.At(3, 3), 0.02325439, "m2d(3,3)")
	near(t, mat.At(3, 4), 0.00006104, "m2d(3,4)")
	near(t, mat.At(4, 1), 0.95379353, "m2d(4,1)")
	near(t, mat.At(4, 3), 0.04578209, "m2d(4,3)")
	near(t, mat.At(4, 4), 0.00024223, "m2d(4,4)")
	near(t, mat.At(4, 5), 0.00018215, "m2d(4,5)")
	near(t, mat.At(5, 1), 0.92398748, "m2d(5,1)")
	near(t, mat.At(5, 3), 0.07451512, "m2d(5,3)")
	near(t, mat.At(5, 4), 0.00059612, "m2d(5,4)")
	near(t, mat.At(5, 5), 0.00089655, "m2d(5,5)")
	near(t, mat.At(5, 6), 0.00000473, "m2d(5,6)")
}

func TestMultiRoundMatrix(t *testing.T) {
	mat := ComputeMultiRoundMatrix(5, 128, 5, 2)

	near(t, mat.At(2, 1), 0.00781250, "mr(2,1)")
	near(t, mat.At(2, 2), 0.00006104, "mr(2,2)")
	near(t, mat.At(3, 1), 0.02331543, "mr(3,1)")
	near(t, mat.At(3, 2), 0.00018310, "mr(3,2)")
	near(t, mat.At(4, 1), 0.04620647, "mr(4,1)")
	near(t, mat.At(4, 2), 0.00037174, "mr(4,2)")
	near(t, mat.At(5, 1), 0.07601252, "mr(5,1)")
	near(t, mat.At(5, 2), 0.00063783, "mr(5,2)")
}

func TestFailureProbabilityBound(t *testing.T) {
	mat := ComputeMultiRoundMatrix(5, 128, 5, 2)

	near(t, FailureProbabilityBound(mat, 3, 100, 5, 2), 0.00036984, "bound(3,100,5,2)")
	near(t, FailureProbabilityBound(mat, 2, 100, 5, 2), 0.00024535, "bound(2,100,5,2)")
	near(t, FailureProbabilityBound(mat, 4, 100, 5, 2), 0.00049555, "bound(4,100,5,2)")
	near(t, FailureProbabilityBound(mat, 5, 128, 5, 2), 0.00061981, "bound(5,128,5,2)")
}

func TestFailureProbabilityUB(t *testing.T) {
	o := NewOracle(NewCache(16, ""), nil)
	got := o.FailureProbabilityUB(20, 5.0, 512, 2, 8, 3)
	near(t, got, 0.06558745, "UB(d=20,delta=5,n=512,r=2,t=8,c=3)")
}

func TestBestParams(t *testing.T) {
	o := NewOracle(NewCache(64, ""), nil)
	p, residual := o.BestParams(20, 5.0, 2, 3, 0.99)
	if p.M != 8 || p.T != 11 {
		t.Fatalf("BestParams = (%d,%d), want (8,11)", p.M, p.T)
	}
	near(t, residual, 0.009357799909271, "residual")
}

func TestBestParamsMonotoneCost(t *testing.T) {
	o := NewOracle(NewCache(256, ""), nil)
	prev := 0
	for _, d := range []int{10, 20, 50, 100, 200} {
		p, _ := o.BestParams(d, 5.0, 3, 3, 0.99)
		if c := p.Cost(); c < prev {
			t.Fatalf("cost decreased at d=%d: %d < %d", d, c, prev)
		} else {
			prev = c
		}
	}
}

func TestBinomPMF(t *testing.T) {
	// sums to one and matches a couple of hand values
	var sum float64
	for k := 0; k <= 20; k++ {
		sum += binomPMF(k, 20, 0.25)
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Fatalf("pmf sums to %f", sum)
	}
	near(t, binomPMF(0, 4, 0.5), 0.0625, "Binom(4,0.5) at 0")
	near(t, binomPMF(2, 4, 0.5), 0.375, "Binom(4,0.5) at 2")
	if binomPMF(5, 4, 0.5) != 0 {
		t.Fatal("k>n must be zero")
	}
}
