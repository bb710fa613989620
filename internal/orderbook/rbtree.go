// Package orderbook reconstructs a per-symbol local L2 order book from a
// REST depth snapshot plus a continuous diff-depth stream, implementing
// the exchange's corrected bootstrap/steady-state sequencing algorithm.
package orderbook

import "github.com/lilwiggy/ex-act/pkg/domain"

type color bool

const (
	red   color = true
	black color = false
)

// node is a red-black tree node keyed by a decimal price.
type node struct {
	price    domain.Decimal
	quantity domain.Decimal
	color    color
	left     *node
	right    *node
	parent   *node
}

// rbTree is a red-black tree of price levels, keyed by domain.Decimal
// comparison instead of a primitive int64 — generalized for arbitrary
// precision prices rather than fixed-point ticks. A descending tree
// reports its "min" as the highest price, matching bids where "best"
// means highest; an ascending tree serves asks unchanged.
type rbTree struct {
	root       *node
	size       int
	minNode    *node
	maxNode    *node
	descending bool
}

func newRBTree(descending bool) *rbTree {
	return &rbTree{descending: descending}
}

func (t *rbTree) Size() int     { return t.size }
func (t *rbTree) IsEmpty() bool { return t.size == 0 }

// Best returns the best (highest for descending, lowest otherwise) price
// level, or nil if the tree is empty. O(1) via cached pointers.
func (t *rbTree) Best() (price, quantity domain.Decimal, ok bool) {
	n := t.minNode
	if t.descending {
		n = t.maxNode
	}
	if n == nil {
		return nil, nil, false
	}
	return n.price, n.quantity, true
}

func (t *rbTree) Get(price domain.Decimal) (domain.Decimal, bool) {
	n := t.search(price)
	if n == nil {
		return nil, false
	}
	return n.quantity, true
}

// Upsert sets the quantity at price, inserting the level if absent.
func (t *rbTree) Upsert(price, quantity domain.Decimal) {
	newNode := &node{price: price, quantity: quantity, color: red}

	if t.root == nil {
		newNode.color = black
		t.root = newNode
		t.minNode = newNode
		t.maxNode = newNode
		t.size = 1
		return
	}

	var parent *node
	current := t.root
	for current != nil {
		parent = current
		switch cmp := price.Cmp(current.price); {
		case cmp < 0:
			current = current.left
		case cmp > 0:
			current = current.right
		default:
			current.quantity = quantity
			return
		}
	}

	newNode.parent = parent
	if price.Cmp(parent.price) < 0 {
		parent.left = newNode
	} else {
		parent.right = newNode
	}
	t.size++

	if t.minNode == nil || price.Cmp(t.minNode.price) < 0 {
		t.minNode = newNode
	}
	if t.maxNode == nil || price.Cmp(t.maxNode.price) > 0 {
		t.maxNode = newNode
	}

	t.insertFixup(newNode)
}

// Delete removes the price level at price, if present.
func (t *rbTree) Delete(price domain.Decimal) {
	n := t.search(price)
	if n == nil {
		return
	}

	t.size--
	if n == t.minNode {
		t.minNode = t.successor(n)
	}
	if n == t.maxNode {
		t.maxNode = t.predecessor(n)
	}
	t.deleteNode(n)
}

// ForEach iterates price levels in "best first" order: descending trees
// walk high-to-low, ascending trees low-to-high. Stops early if fn
// returns false.
func (t *rbTree) ForEach(fn func(price, quantity domain.Decimal) bool) {
	if t.descending {
		t.reverseInOrder(t.root, fn)
	} else {
		t.inOrder(t.root, fn)
	}
}

func (t *rbTree) search(price domain.Decimal) *node {
	current := t.root
	for current != nil {
		switch cmp := price.Cmp(current.price); {
		case cmp < 0:
			current = current.left
		case cmp > 0:
			current = current.right
		default:
			return current
		}
	}
	return nil
}

func (t *rbTree) inOrder(n *node, fn func(price, quantity domain.Decimal) bool) bool {
	if n == nil {
		return true
	}
	if !t.inOrder(n.left, fn) {
		return false
	}
	if !fn(n.price, n.quantity) {
		return false
	}
	return t.inOrder(n.right, fn)
}

func (t *rbTree) reverseInOrder(n *node, fn func(price, quantity domain.Decimal) bool) bool {
	if n == nil {
		return true
	}
	if !t.reverseInOrder(n.right, fn) {
		return false
	}
	if !fn(n.price, n.quantity) {
		return false
	}
	return t.reverseInOrder(n.left, fn)
}

func (t *rbTree) successor(n *node) *node {
	if n.right != nil {
		current := n.right
		for current.left != nil {
			current = current.left
		}
		return current
	}
	parent := n.parent
	for parent != nil && n == parent.right {
		n = parent
		parent = parent.parent
	}
	return parent
}

func (t *rbTree) predecessor(n *node) *node {
	if n.left != nil {
		current := n.left
		for current.right != nil {
			current = current.right
		}
		return current
	}
	parent := n.parent
	for parent != nil && n == parent.left {
		n = parent
		parent = parent.parent
	}
	return parent
}

func (t *rbTree) rotateLeft(x *node) {
	y := x.right
	x.right = y.left
	if y.left != nil {
		y.left.parent = x
	}
	y.parent = x.parent
	if x.parent == nil {
		t.root = y
	} else if x == x.parent.left {
		x.parent.left = y
	} else {
		x.parent.right = y
	}
	y.left = x
	x.parent = y
}

func (t *rbTree) rotateRight(x *node) {
	y := x.left
	x.left = y.right
	if y.right != nil {
		y.right.parent = x
	}
	y.parent = x.parent
	if x.parent == nil {
		t.root = y
	} else if x == x.parent.right {
		x.parent.right = y
	} else {
		x.parent.left = y
	}
	y.right = x
	x.parent = y
}

func (t *rbTree) insertFixup(z *node) {
	for z.parent != nil && z.parent.color == red {
		if z.parent == z.parent.parent.left {
			y := z.parent.parent.right
			if y != nil && y.color == red {
				z.parent.color = black
				y.color = black
				z.parent.parent.color = red
				z = z.parent.parent
			} else {
				if z == z.parent.right {
					z = z.parent
					t.rotateLeft(z)
				}
				z.parent.color = black
				z.parent.parent.color = red
				t.rotateRight(z.parent.parent)
			}
		} else {
			y := z.parent.parent.left
			if y != nil && y.color == red {
				z.parent.color = black
				y.color = black
				z.parent.parent.color = red
				z = z.parent.parent
			} else {
				if z == z.parent.left {
					z = z.parent
					t.rotateRight(z)
				}
				z.parent.color = black
				z.parent.parent.color = red
				t.rotateLeft(z.parent.parent)
			}
		}
	}
	t.root.color = black
}

func (t *rbTree) transplant(u, v *node) {
	if u.parent == nil {
		t.root = v
	} else if u == u.parent.left {
		u.parent.left = v
	} else {
		u.parent.right = v
	}
	if v != nil {
		v.parent = u.parent
	}
}

func (t *rbTree) deleteNode(z *node) {
	var x, xParent *node
	y := z
	yOriginalColor := y.color

	if z.left == nil {
		x = z.right
		xParent = z.parent
		t.transplant(z, z.right)
	} else if z.right == nil {
		x = z.left
		xParent = z.parent
		t.transplant(z, z.left)
	} else {
		y = z.right
		for y.left != nil {
			y = y.left
		}
		yOriginalColor = y.color
		x = y.right
		if y.parent == z {
			xParent = y
		} else {
			xParent = y.parent
			t.transplant(y, y.right)
			y.right = z.right
			y.right.parent = y
		}
		t.transplant(z, y)
		y.left = z.left
		y.left.parent = y
		y.color = z.color
	}

	if yOriginalColor == black {
		t.deleteFixup(x, xParent)
	}
}

func (t *rbTree) deleteFixup(x *node, xParent *node) {
	for x != t.root && (x == nil || x.color == black) {
		if x == xParent.left {
			w := xParent.right
			if w != nil && w.color == red {
				w.color = black
				xParent.color = red
				t.rotateLeft(xParent)
				w = xParent.right
			}
			if w == nil || ((w.left == nil || w.left.color == black) && (w.right == nil || w.right.color == black)) {
				if w != nil {
					w.color = red
				}
				x = xParent
				xParent = x.parent
			} else {
				if w.right == nil || w.right.color == black {
					if w.left != nil {
						w.left.color = black
					}
					w.color = red
					t.rotateRight(w)
					w = xParent.right
				}
				w.color = xParent.color
				xParent.color = black
				if w.right != nil {
					w.right.color = black
				}
				t.rotateLeft(xParent)
				x = t.root
			}
		} else {
			w := xParent.left
			if w != nil && w.color == red {
				w.color = black
				xParent.color = red
				t.rotateRight(xParent)
				w = xParent.left
			}
			if w == nil || ((w.right == nil || w.right.color == black) && (w.left == nil || w.left.color == black)) {
				if w != nil {
					w.color = red
				}
				x = xParent
				xParent = x.parent
			} else {
				if w.left == nil || w.left.color == black {
					if w.right != nil {
						w.right.color = black
					}
					w.color = red
					t.rotateLeft(w)
					w = xParent.left
				}
				w.color = xParent.color
				xParent.color = black
				if w.left != nil {
					w.left.color = black
				}
				t.rotateRight(xParent)
				x = t.root
			}
		}
	}
	if x != nil {
		x.color = black
	}
}
