// Package patterns implements the geometric orderings applied to a change
// set before quota slicing. Every strategy returns a permutation of its
// input pool; the caller takes the first n elements. Unknown pattern names
// and any ordering failure fall back to a uniform shuffle.
package patterns

import (
	"math"
	"math/rand"
	"sort"

	"github.com/wplace-tools/guardmaster/structs"
)

// Select orders the pool with the named pattern and returns the first count
// elements. The input slice is never mutated.
func Select(pattern string, pool []*structs.Change, count int) []*structs.Change {
	clean := make([]*structs.Change, 0, len(pool))
	for _, ch := range pool {
		if ch != nil {
			clean = append(clean, ch)
		}
	}
	if len(clean) == 0 || count <= 0 {
		return nil
	}

	ordered := order(pattern, clean)
	if count > len(ordered) {
		count = len(ordered)
	}
	return ordered[:count]
}

func order(pattern string, pool []*structs.Change) (out []*structs.Change) {
	defer func() {
		if r := recover(); r != nil {
			out = shuffled(pool)
		}
	}()

	switch pattern {
	case "lineUp":
		return lineUp(pool)
	case "lineDown":
		return lineDown(pool)
	case "lineLeft":
		return lineCols(pool, false)
	case "lineRight":
		return lineCols(pool, true)
	case "zigzag", "snake":
		return zigzag(pool)
	case "diagonal":
		return diagonal(pool)
	case "diagonalSweep":
		return diagonalSweep(pool)
	case "center":
		return center(pool)
	case "borders":
		return borders(pool)
	case "corners":
		return corners(pool)
	case "spiral", "spiralClockwise":
		return spiral(pool, 1)
	case "spiralCounterClockwise":
		return spiral(pool, -1)
	case "cluster":
		return cluster(pool)
	case "wave":
		return wave(pool)
	case "sweep":
		return sweep(pool)
	case "priority":
		return priority(pool)
	case "proximity":
		return proximity(pool)
	case "quadrant":
		return quadrant(pool)
	case "scattered":
		return scattered(pool)
	case "biasedRandom":
		return biasedRandom(pool)
	case "anchorPoints":
		return anchorPoints(pool)
	default:
		return shuffled(pool)
	}
}

type bbox struct {
	minX, maxX, minY, maxY float64
}

func boundsOf(pool []*structs.Change) bbox {
	b := bbox{minX: math.Inf(1), maxX: math.Inf(-1), minY: math.Inf(1), maxY: math.Inf(-1)}
	for _, ch := range pool {
		x, y := float64(ch.X), float64(ch.Y)
		b.minX = math.Min(b.minX, x)
		b.maxX = math.Max(b.maxX, x)
		b.minY = math.Min(b.minY, y)
		b.maxY = math.Max(b.maxY, y)
	}
	return b
}

func (b bbox) center() (float64, float64) {
	return (b.minX + b.maxX) / 2, (b.minY + b.maxY) / 2
}

// edgeDist is the distance to the nearest bbox edge.
func (b bbox) edgeDist(ch *structs.Change) float64 {
	x, y := float64(ch.X), float64(ch.Y)
	return math.Min(math.Min(x-b.minX, b.maxX-x), math.Min(y-b.minY, b.maxY-y))
}

// scored pairs a change with a precomputed (primary, secondary) sort key so
// randomised scores are evaluated exactly once per element.
type scored struct {
	k1, k2 float64
	ch     *structs.Change
}

func sortScored(items []scored) []*structs.Change {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].k1 != items[j].k1 {
			return items[i].k1 < items[j].k1
		}
		return items[i].k2 < items[j].k2
	})
	out := make([]*structs.Change, len(items))
	for i, it := range items {
		out[i] = it.ch
	}
	return out
}

func shuffled(pool []*structs.Change) []*structs.Change {
	out := append([]*structs.Change(nil), pool...)
	rand.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}

// lineUp sweeps rows top to bottom, left to right within a row.
func lineUp(pool []*structs.Change) []*structs.Change {
	return lineRows(pool, false)
}

// lineDown sweeps rows bottom to top, left to right within a row.
func lineDown(pool []*structs.Change) []*structs.Change {
	return lineRows(pool, true)
}

func lineRows(pool []*structs.Change, reverse bool) []*structs.Change {
	rows := make(map[int][]*structs.Change)
	for _, ch := range pool {
		rows[ch.Y] = append(rows[ch.Y], ch)
	}
	ys := make([]int, 0, len(rows))
	for y := range rows {
		ys = append(ys, y)
	}
	sort.Ints(ys)
	if reverse {
		for i, j := 0, len(ys)-1; i < j; i, j = i+1, j-1 {
			ys[i], ys[j] = ys[j], ys[i]
		}
	}

	out := make([]*structs.Change, 0, len(pool))
	for _, y := range ys {
		row := rows[y]
		sort.SliceStable(row, func(i, j int) bool { return row[i].X < row[j].X })
		out = append(out, row...)
	}
	return out
}

func lineCols(pool []*structs.Change, reverse bool) []*structs.Change {
	cols := make(map[int][]*structs.Change)
	for _, ch := range pool {
		cols[ch.X] = append(cols[ch.X], ch)
	}
	xs := make([]int, 0, len(cols))
	for x := range cols {
		xs = append(xs, x)
	}
	sort.Ints(xs)
	if reverse {
		for i, j := 0, len(xs)-1; i < j; i, j = i+1, j-1 {
			xs[i], xs[j] = xs[j], xs[i]
		}
	}

	out := make([]*structs.Change, 0, len(pool))
	for _, x := range xs {
		col := cols[x]
		sort.SliceStable(col, func(i, j int) bool { return col[i].Y < col[j].Y })
		out = append(out, col...)
	}
	return out
}

// zigzag is lineUp with the x direction alternating by row index parity.
func zigzag(pool []*structs.Change) []*structs.Change {
	rows := make(map[int][]*structs.Change)
	for _, ch := range pool {
		rows[ch.Y] = append(rows[ch.Y], ch)
	}
	ys := make([]int, 0, len(rows))
	for y := range rows {
		ys = append(ys, y)
	}
	sort.Ints(ys)

	out := make([]*structs.Change, 0, len(pool))
	for i, y := range ys {
		row := rows[y]
		if i%2 == 0 {
			sort.SliceStable(row, func(a, b int) bool { return row[a].X < row[b].X })
		} else {
			sort.SliceStable(row, func(a, b int) bool { return row[a].X > row[b].X })
		}
		out = append(out, row...)
	}
	return out
}

func diagonal(pool []*structs.Change) []*structs.Change {
	out := append([]*structs.Change(nil), pool...)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := out[i].X+out[i].Y, out[j].X+out[j].Y
		if si != sj {
			return si < sj
		}
		return out[i].X < out[j].X
	})
	return out
}

// diagonalSweep visits diagonals of constant x+y in ascending order, x
// ascending within each diagonal.
func diagonalSweep(pool []*structs.Change) []*structs.Change {
	groups := make(map[int][]*structs.Change)
	for _, ch := range pool {
		groups[ch.X+ch.Y] = append(groups[ch.X+ch.Y], ch)
	}
	sums := make([]int, 0, len(groups))
	for s := range groups {
		sums = append(sums, s)
	}
	sort.Ints(sums)

	out := make([]*structs.Change, 0, len(pool))
	for _, s := range sums {
		g := groups[s]
		sort.SliceStable(g, func(i, j int) bool { return g[i].X < g[j].X })
		out = append(out, g...)
	}
	return out
}

func center(pool []*structs.Change) []*structs.Change {
	cx, cy := boundsOf(pool).center()
	items := make([]scored, len(pool))
	for i, ch := range pool {
		items[i] = scored{k1: math.Hypot(float64(ch.X)-cx, float64(ch.Y)-cy), ch: ch}
	}
	return sortScored(items)
}

func borders(pool []*structs.Change) []*structs.Change {
	b := boundsOf(pool)
	items := make([]scored, len(pool))
	for i, ch := range pool {
		items[i] = scored{k1: b.edgeDist(ch), ch: ch}
	}
	return sortScored(items)
}

func corners(pool []*structs.Change) []*structs.Change {
	b := boundsOf(pool)
	cs := [4][2]float64{
		{b.minX, b.minY}, {b.maxX, b.minY}, {b.minX, b.maxY}, {b.maxX, b.maxY},
	}
	items := make([]scored, len(pool))
	for i, ch := range pool {
		best := math.Inf(1)
		for _, c := range cs {
			best = math.Min(best, math.Hypot(float64(ch.X)-c[0], float64(ch.Y)-c[1]))
		}
		items[i] = scored{k1: best, ch: ch}
	}
	return sortScored(items)
}

// spiral orders by (radius rounded to 3 decimals, angle) about the bbox
// centre. sign -1 negates the angle for the counter-clockwise variant.
func spiral(pool []*structs.Change, sign float64) []*structs.Change {
	cx, cy := boundsOf(pool).center()
	items := make([]scored, len(pool))
	for i, ch := range pool {
		dx, dy := float64(ch.X)-cx, float64(ch.Y)-cy
		r := math.Hypot(dx, dy)
		items[i] = scored{
			k1: math.Round(r*1000) / 1000,
			k2: sign * math.Atan2(dy, dx),
			ch: ch,
		}
	}
	return sortScored(items)
}

func cluster(pool []*structs.Change) []*structs.Change {
	seed := pool[rand.Intn(len(pool))]
	items := make([]scored, len(pool))
	for i, ch := range pool {
		items[i] = scored{k1: dist(ch, seed), ch: ch}
	}
	return sortScored(items)
}

func wave(pool []*structs.Change) []*structs.Change {
	b := boundsOf(pool)
	width := math.Max(1, b.maxX-b.minX)
	items := make([]scored, len(pool))
	for i, ch := range pool {
		nx := (float64(ch.X) - b.minX) / width
		waveY := math.Sin(nx*math.Pi*2) * 10
		items[i] = scored{
			k1: math.Abs(float64(ch.Y) - waveY),
			k2: float64(ch.X),
			ch: ch,
		}
	}
	return sortScored(items)
}

// sweep visits 8x8 buckets row-major by (bucketY, bucketX), keeping input
// order within a bucket.
func sweep(pool []*structs.Change) []*structs.Change {
	type bucket struct{ bx, by int }
	sections := make(map[bucket][]*structs.Change)
	for _, ch := range pool {
		k := bucket{ch.X / 8, ch.Y / 8}
		sections[k] = append(sections[k], ch)
	}
	keys := make([]bucket, 0, len(sections))
	for k := range sections {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].by != keys[j].by {
			return keys[i].by < keys[j].by
		}
		return keys[i].bx < keys[j].bx
	})

	out := make([]*structs.Change, 0, len(pool))
	for _, k := range keys {
		out = append(out, sections[k]...)
	}
	return out
}

func priority(pool []*structs.Change) []*structs.Change {
	b := boundsOf(pool)
	cx, cy := b.center()
	items := make([]scored, len(pool))
	for i, ch := range pool {
		centerD := math.Hypot(float64(ch.X)-cx, float64(ch.Y)-cy)
		items[i] = scored{
			k1: centerD*0.4 - b.edgeDist(ch)*0.3 + rand.Float64()*0.3,
			ch: ch,
		}
	}
	return sortScored(items)
}

// proximity is a nearest-neighbour walk from a random start.
func proximity(pool []*structs.Change) []*structs.Change {
	remaining := append([]*structs.Change(nil), pool...)
	start := rand.Intn(len(remaining))
	out := make([]*structs.Change, 0, len(pool))
	out = append(out, remaining[start])
	remaining = append(remaining[:start], remaining[start+1:]...)

	for len(remaining) > 0 {
		last := out[len(out)-1]
		best, bestD := 0, math.Inf(1)
		for i, ch := range remaining {
			if d := dist(ch, last); d < bestD {
				best, bestD = i, d
			}
		}
		out = append(out, remaining[best])
		remaining = append(remaining[:best], remaining[best+1:]...)
	}
	return out
}

// quadrant partitions about the bbox centre (ties go top/left) and
// interleaves one element from each quadrant round-robin.
func quadrant(pool []*structs.Change) []*structs.Change {
	cx, cy := boundsOf(pool).center()
	var quads [4][]*structs.Change
	for _, ch := range pool {
		x, y := float64(ch.X), float64(ch.Y)
		switch {
		case x <= cx && y <= cy:
			quads[0] = append(quads[0], ch)
		case x > cx && y <= cy:
			quads[1] = append(quads[1], ch)
		case x <= cx && y > cy:
			quads[2] = append(quads[2], ch)
		default:
			quads[3] = append(quads[3], ch)
		}
	}

	out := make([]*structs.Change, 0, len(pool))
	var idx [4]int
	for {
		progressed := false
		for q := 0; q < 4; q++ {
			if idx[q] < len(quads[q]) {
				out = append(out, quads[q][idx[q]])
				idx[q]++
				progressed = true
			}
		}
		if !progressed {
			return out
		}
	}
}

// scattered is a farthest-point traversal: repeatedly append the candidate
// maximising its minimum distance to everything already chosen.
func scattered(pool []*structs.Change) []*structs.Change {
	remaining := append([]*structs.Change(nil), pool...)
	out := make([]*structs.Change, 0, len(pool))

	first := rand.Intn(len(remaining))
	out = append(out, remaining[first])
	remaining = append(remaining[:first], remaining[first+1:]...)

	// minDist[i] tracks the distance from remaining[i] to the chosen set.
	minDist := make([]float64, len(remaining))
	for i, ch := range remaining {
		minDist[i] = dist(ch, out[0])
	}

	for len(remaining) > 0 {
		best := 0
		for i := range remaining {
			if minDist[i] > minDist[best] {
				best = i
			}
		}
		chosen := remaining[best]
		out = append(out, chosen)
		remaining = append(remaining[:best], remaining[best+1:]...)
		minDist = append(minDist[:best], minDist[best+1:]...)
		for i, ch := range remaining {
			if d := dist(ch, chosen); d < minDist[i] {
				minDist[i] = d
			}
		}
	}
	return out
}

func biasedRandom(pool []*structs.Change) []*structs.Change {
	b := boundsOf(pool)
	items := make([]scored, len(pool))
	for i, ch := range pool {
		w := 1.0/(b.edgeDist(ch)+1.0) + rand.Float64()*0.5
		// Descending weight.
		items[i] = scored{k1: -w, ch: ch}
	}
	return sortScored(items)
}

// anchorPoints ranks by the nearest of nine anchors: the four corners
// (priority 1), the centre (2) and the four edge midpoints (3); sort key is
// (nearest anchor's priority, distance to it).
func anchorPoints(pool []*structs.Change) []*structs.Change {
	b := boundsOf(pool)
	cx, cy := b.center()
	anchors := [9]struct {
		x, y float64
		prio float64
	}{
		{b.minX, b.minY, 1}, {b.maxX, b.minY, 1}, {b.minX, b.maxY, 1}, {b.maxX, b.maxY, 1},
		{cx, cy, 2},
		{cx, b.minY, 3}, {cx, b.maxY, 3}, {b.minX, cy, 3}, {b.maxX, cy, 3},
	}

	items := make([]scored, len(pool))
	for i, ch := range pool {
		bestD, bestP := math.Inf(1), 10.0
		for _, a := range anchors {
			if d := math.Hypot(float64(ch.X)-a.x, float64(ch.Y)-a.y); d < bestD {
				bestD, bestP = d, a.prio
			}
		}
		items[i] = scored{k1: bestP, k2: bestD, ch: ch}
	}
	return sortScored(items)
}

func dist(a, b *structs.Change) float64 {
	return math.Hypot(float64(a.X-b.X), float64(a.Y-b.Y))
}
