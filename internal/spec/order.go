package spec

import "fmt"

// StartOrder returns the services so that each starts after everything in
// its After list. Otherwise file order is kept. Returns an error if there's
// a cycle.
func (g *Group) StartOrder() ([]Service, error) {
	byName := make(map[string]int, len(g.Services))
	for i, s := range g.Services {
		byName[s.Name] = i
	}

	visited := make(map[string]bool)
	inStack := make(map[string]bool) // cycle detection
	order := make([]Service, 0, len(g.Services))

	var visit func(i int) error
	visit = func(i int) error {
		name := g.Services[i].Name
		if inStack[name] {
			return fmt.Errorf("dependency cycle detected at %q", name)
		}
		if visited[name] {
			return nil
		}

		inStack[name] = true
		for _, dep := range g.Services[i].After {
			j, ok := byName[dep]
			if !ok {
				continue // reported by Validate
			}
			if err := visit(j); err != nil {
				return err
			}
		}
		inStack[name] = false

		visited[name] = true
		order = append(order, g.Services[i])
		return nil
	}

	for i := range g.Services {
		if err := visit(i); err != nil {
			return nil, err
		}
	}
	return order, nil
}
