package imagequality

import (
	"image"
	"math"
)

// plane is an 8-bit luminance image.
type plane struct {
	w, h int
	pix  []uint8
}

func (p plane) at(x, y int) int { return int(p.pix[y*p.w+x]) }

// luminance converts to Rec.601 luma, reading the Y plane directly for JPEG sources.
func luminance(img image.Image) plane {
	b := img.Bounds()
	p := plane{w: b.Dx(), h: b.Dy(), pix: make([]uint8, b.Dx()*b.Dy())}

	switch src := img.(type) {
	case *image.YCbCr:
		for y := 0; y < p.h; y++ {
			for x := 0; x < p.w; x++ {
				p.pix[y*p.w+x] = src.Y[src.YOffset(b.Min.X+x, b.Min.Y+y)]
			}
		}
	case *image.Gray:
		for y := 0; y < p.h; y++ {
			row := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(p.pix[y*p.w:(y+1)*p.w], src.Pix[row:row+p.w])
		}
	default:
		for y := 0; y < p.h; y++ {
			for x := 0; x < p.w; x++ {
				r, g, bb, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				p.pix[y*p.w+x] = uint8((19595*r + 38470*g + 7471*bb + 1<<15) >> 24)
			}
		}
	}
	return p
}

// laplacianVariance is the variance of the 4-neighbour Laplacian over interior pixels.
func laplacianVariance(p plane) float64 {
	if p.w < 3 || p.h < 3 {
		return 0
	}
	var sum, sumSq float64
	n := 0
	for y := 1; y < p.h-1; y++ {
		for x := 1; x < p.w-1; x++ {
			v := float64(p.at(x, y-1) + p.at(x, y+1) + p.at(x-1, y) + p.at(x+1, y) - 4*p.at(x, y))
			sum += v
			sumSq += v * v
			n++
		}
	}
	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}

// meanStd returns mean luminance and its population standard deviation.
func meanStd(p plane) (float64, float64) {
	if len(p.pix) == 0 {
		return 0, 0
	}
	var sum, sumSq float64
	for _, v := range p.pix {
		f := float64(v)
		sum += f
		sumSq += f * f
	}
	n := float64(len(p.pix))
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}

const (
	edgeThreshold   = 100.0
	minTileArea     = 500
	maxTileAspect   = 4.0
	minBorderShare  = 0.7
	minSideCoverage = 0.3
)

// detectTiles counts edge components whose outline is roughly a rectangle of tile size:
// Sobel edges on a box-blurred plane, 8-connected components, then a bounding-box test.
func detectTiles(p plane) int {
	if p.w < 16 || p.h < 16 {
		return 0
	}
	edges := sobelEdges(boxBlur(p))
	maxArea := p.w * p.h / 4

	labels := make([]bool, len(edges))
	var stack, comp []int
	count := 0

	for start, on := range edges {
		if !on || labels[start] {
			continue
		}
		comp = comp[:0]
		stack = append(stack[:0], start)
		labels[start] = true
		minX, minY, maxX, maxY := p.w, p.h, -1, -1

		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			comp = append(comp, i)
			x, y := i%p.w, i/p.w
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)

			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= p.w || ny >= p.h {
						continue
					}
					j := ny*p.w + nx
					if edges[j] && !labels[j] {
						labels[j] = true
						stack = append(stack, j)
					}
				}
			}
		}

		if rectangular(comp, p.w, minX, minY, maxX, maxY, maxArea) {
			count++
		}
	}
	return count
}

func rectangular(comp []int, stride, minX, minY, maxX, maxY, maxArea int) bool {
	bw, bh := maxX-minX+1, maxY-minY+1
	if bw < 8 || bh < 8 {
		return false
	}
	area := bw * bh
	if area < minTileArea || area > maxArea {
		return false
	}
	if float64(max(bw, bh))/float64(min(bw, bh)) > maxTileAspect {
		return false
	}

	band := max(2, min(bw, bh)/10)
	var near, left, right, top, bottom int
	for _, i := range comp {
		x, y := i%stride, i/stride
		onBorder := false
		if x-minX < band {
			left++
			onBorder = true
		}
		if maxX-x < band {
			right++
			onBorder = true
		}
		if y-minY < band {
			top++
			onBorder = true
		}
		if maxY-y < band {
			bottom++
			onBorder = true
		}
		if onBorder {
			near++
		}
	}
	if float64(near) < minBorderShare*float64(len(comp)) {
		return false
	}
	return float64(left) >= minSideCoverage*float64(bh) &&
		float64(right) >= minSideCoverage*float64(bh) &&
		float64(top) >= minSideCoverage*float64(bw) &&
		float64(bottom) >= minSideCoverage*float64(bw)
}

func boxBlur(p plane) plane {
	out := plane{w: p.w, h: p.h, pix: make([]uint8, len(p.pix))}
	copy(out.pix, p.pix)
	for y := 1; y < p.h-1; y++ {
		for x := 1; x < p.w-1; x++ {
			s := 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					s += p.at(x+dx, y+dy)
				}
			}
			out.pix[y*p.w+x] = uint8(s / 9)
		}
	}
	return out
}

func sobelEdges(p plane) []bool {
	edges := make([]bool, len(p.pix))
	for y := 1; y < p.h-1; y++ {
		for x := 1; x < p.w-1; x++ {
			gx := -p.at(x-1, y-1) - 2*p.at(x-1, y) - p.at(x-1, y+1) +
				p.at(x+1, y-1) + 2*p.at(x+1, y) + p.at(x+1, y+1)
			gy := -p.at(x-1, y-1) - 2*p.at(x, y-1) - p.at(x+1, y-1) +
				p.at(x-1, y+1) + 2*p.at(x, y+1) + p.at(x+1, y+1)
			if math.Hypot(float64(gx), float64(gy)) >= edgeThreshold {
				edges[y*p.w+x] = true
			}
		}
	}
	return edges
}
