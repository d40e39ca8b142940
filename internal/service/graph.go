// graph.go — граф зависимостей функций и поиск циклов.
//
// Узлы — функции, ребро F1 → F2 существует, когда выходные теги F1
// пересекаются со входными тегами F2. Цикл в графе означает, что
// включение функции может породить бесконечный конвейер; такие
// конфигурации отклоняются на этапе создания/включения функции.
package service

import (
	"github.com/bigkaa/datalab/automation-module/internal/domain/model"
)

// depGraph — ориентированный граф идентификаторов функций.
type depGraph struct {
	// edges — список смежности: функция → множество функций,
	// входные теги которых пересекаются с её выходными
	edges map[string]map[string]bool
}

// newDepGraph строит граф зависимостей по набору функций.
// candidate — функция в предполагаемом новом состоянии; заменяет
// собственную строку в наборе (nil — построить граф как есть).
func newDepGraph(functions []*model.Function, candidate *model.Function) *depGraph {
	nodes := make([]*model.Function, 0, len(functions)+1)
	for _, f := range functions {
		if candidate != nil && f.ID == candidate.ID {
			continue
		}
		nodes = append(nodes, f)
	}
	if candidate != nil {
		nodes = append(nodes, candidate)
	}

	g := &depGraph{edges: make(map[string]map[string]bool, len(nodes))}
	for _, from := range nodes {
		outSet := tagIDSet(from.OutputTags)
		for _, to := range nodes {
			if intersects(outSet, to.InputTags) {
				g.addEdge(from.ID, to.ID)
			}
		}
	}
	return g
}

func (g *depGraph) addEdge(from, to string) {
	if g.edges[from] == nil {
		g.edges[from] = make(map[string]bool)
	}
	g.edges[from][to] = true
}

// hasCycle выполняет DFS с рекурсивным стеком: back-ребро — цикл.
// Петля (пересечение входных и выходных тегов одной функции) — тоже цикл.
func (g *depGraph) hasCycle() bool {
	visited := make(map[string]bool)
	inStack := make(map[string]bool)

	for node := range g.edges {
		if !visited[node] && g.dfs(node, visited, inStack) {
			return true
		}
	}
	return false
}

func (g *depGraph) dfs(node string, visited, inStack map[string]bool) bool {
	visited[node] = true
	inStack[node] = true

	for next := range g.edges[node] {
		if !visited[next] {
			if g.dfs(next, visited, inStack) {
				return true
			}
		} else if inStack[next] {
			return true
		}
	}

	inStack[node] = false
	return false
}

// WouldCreateCycle сообщает, создаст ли candidate (в новом состоянии —
// создаваемая, обновляемая или включаемая функция) цикл в графе
// зависимостей среди включённых функций.
func WouldCreateCycle(enabled []*model.Function, candidate *model.Function) bool {
	return newDepGraph(enabled, candidate).hasCycle()
}

// tagIDSet собирает множество идентификаторов тегов.
func tagIDSet(tags []*model.Tag) map[string]bool {
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		set[t.ID] = true
	}
	return set
}

// intersects сообщает, входит ли хоть один тег в множество.
func intersects(set map[string]bool, tags []*model.Tag) bool {
	for _, t := range tags {
		if set[t.ID] {
			return true
		}
	}
	return false
}

// subset сообщает, входят ли все теги need в множество have.
func subset(need []*model.Tag, have map[string]bool) bool {
	for _, t := range need {
		if !have[t.ID] {
			return false
		}
	}
	return true
}
