// Package gametest provides an in-process fake of the remote game API for
// integration tests: a stateful character, bank, resources and monsters
// behind an httptest server, plus scripted error injection.
package gametest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

type Coords struct{ X, Y int }

// Resource is a gatherable node. Remaining < 0 means infinite.
type Resource struct {
	Item      string
	Remaining int
}

// Recipe consumes Ratio units of Material per product crafted.
type Recipe struct {
	Material string
	Ratio    int
}

type Slot struct {
	Code     string `json:"code"`
	Quantity int    `json:"quantity"`
}

type injectedError struct {
	status  int
	message string
}

// Server simulates the game API for one character.
type Server struct {
	mu sync.Mutex

	srv *httptest.Server

	Name     string
	X, Y     int
	HP       int
	MaxHP    int
	MaxItems int
	Slots    []Slot

	Bank      map[string]int
	Resources map[Coords]*Resource
	Monsters  map[Coords]bool
	Recipes   map[string]Recipe

	// RejectPut answers 405 to PUT bank deposits, forcing the POST probe.
	RejectPut bool

	trace   []string
	pending map[string][]injectedError
}

// New starts a fake server for one character at (0,0) with full HP.
func New(name string, maxItems int) *Server {
	s := &Server{
		Name:      name,
		HP:        100,
		MaxHP:     100,
		MaxItems:  maxItems,
		Bank:      map[string]int{},
		Resources: map[Coords]*Resource{},
		Monsters:  map[Coords]bool{},
		Recipes:   map[string]Recipe{},
		pending:   map[string][]injectedError{},
	}
	s.srv = httptest.NewServer(s)
	return s
}

func (s *Server) URL() string { return s.srv.URL }
func (s *Server) Close()      { s.srv.Close() }

// InjectError scripts the next call to action (move, gathering, fight,
// bank_deposit, ...) to fail with the given status and message.
func (s *Server) InjectError(action string, status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[action] = append(s.pending[action], injectedError{status: status, message: message})
}

// Trace returns the sequence of mutating calls the server has accepted or
// rejected, e.g. "move(2,6)", "gathering", "bank_deposit(spruce_wood,5)".
func (s *Server) Trace() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.trace...)
}

// CountOf reports the held quantity of code.
func (s *Server) CountOf(code string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, sl := range s.Slots {
		if sl.Code == code {
			total += sl.Quantity
		}
	}
	return total
}

func (s *Server) SetInventory(slots ...Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Slots = append([]Slot(nil), slots...)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := strings.Trim(r.URL.Path, "/")
	switch {
	case r.Method == http.MethodGet && path == "characters/"+s.Name:
		s.writeData(w, s.characterDoc())
	case strings.HasPrefix(path, "my/"+s.Name+"/action/"):
		verb := strings.TrimPrefix(path, "my/"+s.Name+"/action/")
		s.handleAction(w, r, verb)
	default:
		s.writeError(w, http.StatusNotFound, "unknown endpoint "+path)
	}
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request, verb string) {
	action := strings.ReplaceAll(verb, "/", "_")

	if q := s.pending[action]; len(q) > 0 {
		inj := q[0]
		s.pending[action] = q[1:]
		s.trace = append(s.trace, action+"!"+fmt.Sprint(inj.status))
		s.writeError(w, inj.status, inj.message)
		return
	}

	var body map[string]any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	switch action {
	case "move":
		s.doMove(w, body)
	case "gathering", "mining":
		s.doGather(w, action)
	case "fight":
		s.doFight(w)
	case "rest":
		s.trace = append(s.trace, "rest")
		s.HP = s.MaxHP
		s.writeResult(w)
	case "crafting":
		s.doCraft(w, body)
	case "recycling":
		s.doRecycle(w, body)
	case "bank_deposit":
		if s.RejectPut && r.Method == http.MethodPut {
			s.trace = append(s.trace, "bank_deposit!405")
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.doDeposit(w, body)
	case "bank_withdraw":
		s.doWithdraw(w, body)
	default:
		s.writeError(w, http.StatusNotFound, "unknown action "+action)
	}
}

func (s *Server) doMove(w http.ResponseWriter, body map[string]any) {
	x, y := intField(body, "x"), intField(body, "y")
	if s.X == x && s.Y == y {
		s.trace = append(s.trace, fmt.Sprintf("move(%d,%d)!490", x, y))
		s.writeError(w, 490, "character already at destination")
		return
	}
	s.X, s.Y = x, y
	s.trace = append(s.trace, fmt.Sprintf("move(%d,%d)", x, y))
	s.writeResult(w)
}

func (s *Server) doGather(w http.ResponseWriter, action string) {
	res := s.Resources[Coords{s.X, s.Y}]
	if res == nil || res.Remaining == 0 {
		s.trace = append(s.trace, action+"!598")
		s.writeError(w, 598, "resource not found on this map")
		return
	}
	if !s.addItem(res.Item, 1) {
		s.trace = append(s.trace, action+"!497")
		s.writeError(w, 497, "inventory is full")
		return
	}
	if res.Remaining > 0 {
		res.Remaining--
	}
	s.trace = append(s.trace, action)
	s.writeResult(w)
}

func (s *Server) doFight(w http.ResponseWriter) {
	if s.HP <= 0 {
		s.trace = append(s.trace, "fight!483")
		s.writeError(w, 483, "character is dead")
		return
	}
	if !s.Monsters[Coords{s.X, s.Y}] {
		s.trace = append(s.trace, "fight!598")
		s.writeError(w, 598, "monster not found on this map")
		return
	}
	s.HP -= 10
	if s.HP < 1 {
		s.HP = 1
	}
	s.trace = append(s.trace, "fight")
	s.writeResult(w)
}

func (s *Server) doCraft(w http.ResponseWriter, body map[string]any) {
	code := strField(body, "code")
	qty := intField(body, "quantity")
	recipe, ok := s.Recipes[code]
	if !ok {
		s.trace = append(s.trace, "crafting!404")
		s.writeError(w, http.StatusNotFound, "unknown recipe "+code)
		return
	}
	need := qty * recipe.Ratio
	if s.countLocked(recipe.Material) < need {
		s.trace = append(s.trace, "crafting!478")
		s.writeError(w, 478, "insufficient material")
		return
	}
	s.removeItem(recipe.Material, need)
	s.addItem(code, qty)
	s.trace = append(s.trace, fmt.Sprintf("crafting(%s,%d)", code, qty))
	s.writeResult(w)
}

func (s *Server) doRecycle(w http.ResponseWriter, body map[string]any) {
	code := strField(body, "code")
	qty := intField(body, "quantity")
	if s.countLocked(code) < qty {
		s.trace = append(s.trace, "recycling!478")
		s.writeError(w, 478, "nothing to recycle")
		return
	}
	s.removeItem(code, qty)
	s.addItem("scraps", qty)
	s.trace = append(s.trace, fmt.Sprintf("recycling(%s,%d)", code, qty))
	s.writeResult(w)
}

func (s *Server) doDeposit(w http.ResponseWriter, body map[string]any) {
	code := strField(body, "code")
	qty := intField(body, "quantity")
	if s.countLocked(code) < qty {
		s.trace = append(s.trace, "bank_deposit!478")
		s.writeError(w, 478, "not enough items to deposit")
		return
	}
	s.removeItem(code, qty)
	s.Bank[code] += qty
	s.trace = append(s.trace, fmt.Sprintf("bank_deposit(%s,%d)", code, qty))
	s.writeResult(w)
}

func (s *Server) doWithdraw(w http.ResponseWriter, body map[string]any) {
	code := strField(body, "code")
	qty := intField(body, "quantity")
	if s.Bank[code] < qty {
		s.trace = append(s.trace, "bank_withdraw!478")
		s.writeError(w, 478, "not enough items in bank")
		return
	}
	if !s.addItem(code, qty) {
		s.trace = append(s.trace, "bank_withdraw!497")
		s.writeError(w, 497, "inventory is full")
		return
	}
	s.Bank[code] -= qty
	s.trace = append(s.trace, fmt.Sprintf("bank_withdraw(%s,%d)", code, qty))
	s.writeResult(w)
}

// addItem stacks onto an existing slot or opens a new one. Reports false
// when a new slot is needed but the inventory is full.
func (s *Server) addItem(code string, qty int) bool {
	for i := range s.Slots {
		if s.Slots[i].Code == code {
			s.Slots[i].Quantity += qty
			return true
		}
	}
	if len(s.Slots) >= s.MaxItems {
		return false
	}
	s.Slots = append(s.Slots, Slot{Code: code, Quantity: qty})
	return true
}

func (s *Server) removeItem(code string, qty int) {
	for i := range s.Slots {
		if s.Slots[i].Code == code {
			s.Slots[i].Quantity -= qty
			if s.Slots[i].Quantity <= 0 {
				s.Slots = append(s.Slots[:i], s.Slots[i+1:]...)
			}
			return
		}
	}
}

func (s *Server) countLocked(code string) int {
	total := 0
	for _, sl := range s.Slots {
		if sl.Code == code {
			total += sl.Quantity
		}
	}
	return total
}

func (s *Server) characterDoc() map[string]any {
	inv := make([]map[string]any, 0, len(s.Slots))
	for i, sl := range s.Slots {
		inv = append(inv, map[string]any{"slot": i + 1, "code": sl.Code, "quantity": sl.Quantity})
	}
	return map[string]any{
		"name":                s.Name,
		"x":                   s.X,
		"y":                   s.Y,
		"hp":                  s.HP,
		"max_hp":              s.MaxHP,
		"inventory_max_items": s.MaxItems,
		"inventory":           inv,
	}
}

func (s *Server) writeResult(w http.ResponseWriter) {
	s.writeData(w, map[string]any{
		"character": s.characterDoc(),
		"cooldown":  map[string]any{"total_seconds": 0, "remaining_seconds": 0},
	})
}

func (s *Server) writeData(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": status, "message": message},
	})
}

func intField(m map[string]any, k string) int {
	if v, ok := m[k].(float64); ok {
		return int(v)
	}
	return 0
}

func strField(m map[string]any, k string) string {
	v, _ := m[k].(string)
	return v
}
