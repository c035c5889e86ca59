package ast

// Visitor is called once per node during a Walk, top-down. Enter is called
// before a node's children are visited; Leave after. Returning false from
// Enter skips the node's children (Leave is still called).
type Visitor interface {
	Enter(n Node) bool
	Leave(n Node)
}

// Walk performs a top-down traversal of n, calling v for every node it
// visits. The order in which sibling nodes are visited is the order they
// appear in the source, which is what makes analyzer issue ordering
// stable.
func Walk(v Visitor, n Node) {
	if n == nil {
		return
	}
	if !v.Enter(n) {
		v.Leave(n)
		return
	}

	switch node := n.(type) {
	case *Identifier, *StringLiteral:
		// leaves

	case *BinaryExpression:
		Walk(v, node.Left)
		Walk(v, node.Right)

	case *MemberAccess:
		Walk(v, node.Object)

	case *IndexAccess:
		Walk(v, node.Object)
		Walk(v, node.Index)

	case *FunctionCall:
		Walk(v, node.Callee)
		for _, a := range node.Args {
			Walk(v, a)
		}

	case *FunctionDef:
		for _, s := range node.Body {
			Walk(v, s)
		}

	case *ImportStatement:
		// leaf

	case *CapabilityDeclaration:
		// leaf (resources/ops are plain strings, not sub-expressions)

	case *Block:
		for _, s := range node.Statements {
			Walk(v, s)
		}

	case *Assignment:
		Walk(v, node.Target)
		Walk(v, node.Value)
	}

	v.Leave(n)
}
