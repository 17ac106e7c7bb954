package minatar

import "math/rand"

// Breakout channels.
const (
	BreakoutPaddle = iota
	BreakoutBall
	BreakoutTrail
	BreakoutBrick
)

// Ball directions, clockwise from up-left.
const (
	dirUpLeft = iota
	dirUpRight
	dirDownRight
	dirDownLeft
)

var (
	bounceX      = [4]int{dirUpRight, dirUpLeft, dirDownLeft, dirDownRight}
	bounceY      = [4]int{dirDownLeft, dirDownRight, dirUpRight, dirUpLeft}
	bounceCorner = [4]int{dirDownRight, dirDownLeft, dirUpLeft, dirUpRight}
)

// Breakout is a ball-and-paddle game.
//
// The paddle moves along the bottom row and the ball
// bounces diagonally.
// Each brick is worth one point, and the wall respawns
// once it is cleared.
// The episode ends when the ball reaches the bottom
// without hitting the paddle.
type Breakout struct {
	BallX, BallY int
	BallDir      int
	Paddle       int
	Bricks       [GridSize][GridSize]bool

	lastX, lastY int
	strike       bool
	terminal     bool
}

func (b *Breakout) NumChannels() int {
	return 4
}

func (b *Breakout) Reset(rng *rand.Rand) {
	*b = Breakout{BallY: 3, Paddle: GridSize / 2}
	if rng.Intn(2) == 0 {
		b.BallX, b.BallDir = 0, dirDownRight
	} else {
		b.BallX, b.BallDir = GridSize-1, dirDownLeft
	}
	b.fillBricks()
	b.lastX, b.lastY = b.BallX, b.BallY
}

func (b *Breakout) Act(action int, rng *rand.Rand) (reward float64, done bool) {
	if b.terminal {
		return 0, true
	}
	switch action {
	case ActionLeft:
		b.Paddle = max(0, b.Paddle-1)
	case ActionRight:
		b.Paddle = min(GridSize-1, b.Paddle+1)
	}

	b.lastX, b.lastY = b.BallX, b.BallY
	newX, newY := b.BallX, b.BallY
	switch b.BallDir {
	case dirUpLeft:
		newX, newY = newX-1, newY-1
	case dirUpRight:
		newX, newY = newX+1, newY-1
	case dirDownRight:
		newX, newY = newX+1, newY+1
	case dirDownLeft:
		newX, newY = newX-1, newY+1
	}

	strikeToggle := false
	if newX < 0 || newX >= GridSize {
		newX = min(GridSize-1, max(0, newX))
		b.BallDir = bounceX[b.BallDir]
	}
	if newY < 0 {
		newY = 0
		b.BallDir = bounceY[b.BallDir]
	} else if b.Bricks[newY][newX] {
		strikeToggle = true
		if !b.strike {
			reward++
			b.strike = true
			b.Bricks[newY][newX] = false
			newY = b.lastY
			b.BallDir = bounceY[b.BallDir]
		}
	} else if newY == GridSize-1 {
		if b.numBricks() == 0 {
			b.fillBricks()
		}
		if b.BallX == b.Paddle {
			b.BallDir = bounceY[b.BallDir]
			newY = b.lastY
		} else if newX == b.Paddle {
			b.BallDir = bounceCorner[b.BallDir]
			newY = b.lastY
		} else {
			b.terminal = true
		}
	}
	if !strikeToggle {
		b.strike = false
	}
	b.BallX, b.BallY = newX, newY
	return reward, b.terminal
}

func (b *Breakout) Observation(buf []float64) {
	set := func(x, y, ch int) {
		buf[(y*GridSize+x)*4+ch] = 1
	}
	set(b.Paddle, GridSize-1, BreakoutPaddle)
	set(b.BallX, b.BallY, BreakoutBall)
	set(b.lastX, b.lastY, BreakoutTrail)
	for y, row := range b.Bricks {
		for x, brick := range row {
			if brick {
				set(x, y, BreakoutBrick)
			}
		}
	}
}

func (b *Breakout) fillBricks() {
	for y := 1; y <= 3; y++ {
		for x := range b.Bricks[y] {
			b.Bricks[y][x] = true
		}
	}
}

func (b *Breakout) numBricks() int {
	var n int
	for _, row := range b.Bricks {
		for _, brick := range row {
			if brick {
				n++
			}
		}
	}
	return n
}
