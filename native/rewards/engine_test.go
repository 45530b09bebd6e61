package rewards

import (
	"fmt"
	"math/big"
	"testing"
	"time"

	"meridian/core/events"
)

type mockRewardsState struct {
	globals     *Globals
	epochs      map[uint64]*Epoch
	pools       map[uint64]*Pool
	activePools []uint64
	poolEpochs  map[string]*PoolEpoch
	votes       map[string]*VoteAccount
	userPools   map[string]*UserPoolEpoch
	delegates   map[string]*Delegate
	fees        map[string]uint32
	verifiers   map[string]*VerifierEpoch
	poolClaims  map[string]*big.Int
	pending     map[string]*big.Int
	roles       map[string]map[string]bool
}

func newMockRewardsState() *mockRewardsState {
	return &mockRewardsState{
		epochs:     make(map[uint64]*Epoch),
		pools:      make(map[uint64]*Pool),
		poolEpochs: make(map[string]*PoolEpoch),
		votes:      make(map[string]*VoteAccount),
		userPools:  make(map[string]*UserPoolEpoch),
		delegates:  make(map[string]*Delegate),
		fees:       make(map[string]uint32),
		verifiers:  make(map[string]*VerifierEpoch),
		poolClaims: make(map[string]*big.Int),
		pending:    make(map[string]*big.Int),
		roles:      make(map[string]map[string]bool),
	}
}

func (m *mockRewardsState) grantRole(role string, addr []byte) {
	if m.roles[role] == nil {
		m.roles[role] = make(map[string]bool)
	}
	m.roles[role][string(addr)] = true
}

func (m *mockRewardsState) RewardsGlobals() (*Globals, error) {
	return m.globals.Clone(), nil
}

func (m *mockRewardsState) RewardsSetGlobals(g *Globals) error {
	m.globals = g.Clone()
	return nil
}

func (m *mockRewardsState) RewardsEpoch(id uint64) (*Epoch, bool, error) {
	ep, ok := m.epochs[id]
	if !ok {
		return nil, false, nil
	}
	return ep.Clone(), true, nil
}

func (m *mockRewardsState) RewardsPutEpoch(e *Epoch) error {
	m.epochs[e.ID] = e.Clone()
	return nil
}

func (m *mockRewardsState) RewardsPool(id uint64) (*Pool, bool, error) {
	p, ok := m.pools[id]
	if !ok {
		return nil, false, nil
	}
	clone := *p
	return &clone, true, nil
}

func (m *mockRewardsState) RewardsPutPool(p *Pool) error {
	clone := *p
	m.pools[p.ID] = &clone
	return nil
}

func (m *mockRewardsState) RewardsActivePools() ([]uint64, error) {
	return append([]uint64(nil), m.activePools...), nil
}

func (m *mockRewardsState) RewardsSetActivePools(ids []uint64) error {
	m.activePools = append([]uint64(nil), ids...)
	return nil
}

func poolEpochKey(epoch, pool uint64) string { return fmt.Sprintf("%d/%d", epoch, pool) }

func (m *mockRewardsState) RewardsPoolEpoch(epoch, pool uint64) (*PoolEpoch, bool, error) {
	pe, ok := m.poolEpochs[poolEpochKey(epoch, pool)]
	if !ok {
		return nil, false, nil
	}
	return pe.Clone(), true, nil
}

func (m *mockRewardsState) RewardsPutPoolEpoch(pe *PoolEpoch) error {
	m.poolEpochs[poolEpochKey(pe.Epoch, pe.Pool)] = pe.Clone()
	return nil
}

func (m *mockRewardsState) RewardsVoteAccount(epoch uint64, addr []byte) (*VoteAccount, bool, error) {
	acct, ok := m.votes[fmt.Sprintf("%d/%x", epoch, addr)]
	if !ok {
		return nil, false, nil
	}
	return acct.Clone(), true, nil
}

func (m *mockRewardsState) RewardsPutVoteAccount(epoch uint64, addr []byte, acct *VoteAccount) error {
	m.votes[fmt.Sprintf("%d/%x", epoch, addr)] = acct.Clone()
	return nil
}

func (m *mockRewardsState) RewardsUserPoolEpoch(epoch, pool uint64, addr []byte) (*UserPoolEpoch, bool, error) {
	rec, ok := m.userPools[fmt.Sprintf("%d/%d/%x", epoch, pool, addr)]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

func (m *mockRewardsState) RewardsPutUserPoolEpoch(epoch, pool uint64, addr []byte, rec *UserPoolEpoch) error {
	m.userPools[fmt.Sprintf("%d/%d/%x", epoch, pool, addr)] = rec.Clone()
	return nil
}

func (m *mockRewardsState) RewardsDelegate(addr []byte) (*Delegate, bool, error) {
	d, ok := m.delegates[string(addr)]
	if !ok {
		return nil, false, nil
	}
	return d.Clone(), true, nil
}

func (m *mockRewardsState) RewardsPutDelegate(addr []byte, d *Delegate) error {
	m.delegates[string(addr)] = d.Clone()
	return nil
}

func (m *mockRewardsState) RewardsHistoricalFee(addr []byte, epoch uint64) (uint32, bool, error) {
	fee, ok := m.fees[fmt.Sprintf("%x/%d", addr, epoch)]
	return fee, ok, nil
}

func (m *mockRewardsState) RewardsPutHistoricalFee(addr []byte, epoch uint64, feeBps uint32) error {
	m.fees[fmt.Sprintf("%x/%d", addr, epoch)] = feeBps
	return nil
}

func (m *mockRewardsState) RewardsVerifierEpoch(epoch uint64, verifier []byte) (*VerifierEpoch, bool, error) {
	rec, ok := m.verifiers[fmt.Sprintf("%d/%x", epoch, verifier)]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

func (m *mockRewardsState) RewardsPutVerifierEpoch(epoch uint64, verifier []byte, rec *VerifierEpoch) error {
	m.verifiers[fmt.Sprintf("%d/%x", epoch, verifier)] = rec.Clone()
	return nil
}

func (m *mockRewardsState) RewardsVerifierPoolClaim(epoch, pool uint64, verifier []byte) (*big.Int, bool, error) {
	amount, ok := m.poolClaims[fmt.Sprintf("%d/%d/%x", epoch, pool, verifier)]
	if !ok {
		return nil, false, nil
	}
	return new(big.Int).Set(amount), true, nil
}

func (m *mockRewardsState) RewardsPutVerifierPoolClaim(epoch, pool uint64, verifier []byte, amount *big.Int) error {
	m.poolClaims[fmt.Sprintf("%d/%d/%x", epoch, pool, verifier)] = new(big.Int).Set(amount)
	return nil
}

func (m *mockRewardsState) RewardsPendingPayout(addr []byte) (*big.Int, error) {
	if pending, ok := m.pending[string(addr)]; ok {
		return new(big.Int).Set(pending), nil
	}
	return big.NewInt(0), nil
}

func (m *mockRewardsState) RewardsSetPendingPayout(addr []byte, amount *big.Int) error {
	m.pending[string(addr)] = new(big.Int).Set(amount)
	return nil
}

func (m *mockRewardsState) HasRole(role string, addr []byte) bool {
	return m.roles[role][string(addr)]
}

type captureEmitter struct {
	events []events.Event
}

func (c *captureEmitter) Emit(evt events.Event) { c.events = append(c.events, evt) }

func (c *captureEmitter) types() []string {
	out := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.EventType())
	}
	return out
}

func (c *captureEmitter) count(eventType string) int {
	n := 0
	for _, evt := range c.events {
		if evt.EventType() == eventType {
			n++
		}
	}
	return n
}

type stubPower struct {
	personal  map[string]*big.Int
	delegated map[string]*big.Int
	balances  map[string]*big.Int
}

func newStubPower() *stubPower {
	return &stubPower{
		personal:  make(map[string]*big.Int),
		delegated: make(map[string]*big.Int),
		balances:  make(map[string]*big.Int),
	}
}

func (s *stubPower) setPersonal(epoch uint64, addr []byte, amount int64) {
	s.personal[fmt.Sprintf("%d/%x", epoch, addr)] = big.NewInt(amount)
}

func (s *stubPower) setDelegated(epoch uint64, delegate []byte, total int64) {
	s.delegated[fmt.Sprintf("%d/%x", epoch, delegate)] = big.NewInt(total)
}

func (s *stubPower) setBalance(epoch uint64, delegate, delegator []byte, amount int64) {
	s.balances[fmt.Sprintf("%d/%x/%x", epoch, delegate, delegator)] = big.NewInt(amount)
}

func (s *stubPower) PersonalPower(epoch uint64, addr []byte) (*big.Int, error) {
	if amount, ok := s.personal[fmt.Sprintf("%d/%x", epoch, addr)]; ok {
		return new(big.Int).Set(amount), nil
	}
	return big.NewInt(0), nil
}

func (s *stubPower) DelegatedPower(epoch uint64, delegate []byte) (*big.Int, error) {
	if amount, ok := s.delegated[fmt.Sprintf("%d/%x", epoch, delegate)]; ok {
		return new(big.Int).Set(amount), nil
	}
	return big.NewInt(0), nil
}

func (s *stubPower) DelegatedBalance(epoch uint64, delegate, delegator []byte) (*big.Int, error) {
	if amount, ok := s.balances[fmt.Sprintf("%d/%x/%x", epoch, delegate, delegator)]; ok {
		return new(big.Int).Set(amount), nil
	}
	return big.NewInt(0), nil
}

type usageEntry struct {
	verifier *big.Int
	pool     *big.Int
}

type stubOracle struct {
	entries map[string]usageEntry
}

func newStubOracle() *stubOracle {
	return &stubOracle{entries: make(map[string]usageEntry)}
}

func (s *stubOracle) setUsage(epoch, pool uint64, verifier []byte, accrued, poolTotal int64) {
	s.entries[fmt.Sprintf("%d/%d/%x", epoch, pool, verifier)] = usageEntry{
		verifier: big.NewInt(accrued),
		pool:     big.NewInt(poolTotal),
	}
}

func (s *stubOracle) GetAccruedSubsidies(epoch, pool uint64, verifier, caller []byte) (*big.Int, *big.Int, error) {
	entry, ok := s.entries[fmt.Sprintf("%d/%d/%x", epoch, pool, verifier)]
	if !ok {
		return big.NewInt(0), big.NewInt(0), nil
	}
	return new(big.Int).Set(entry.verifier), new(big.Int).Set(entry.pool), nil
}

type stubIdentity struct {
	managers map[string][]byte
}

func newStubIdentity() *stubIdentity {
	return &stubIdentity{managers: make(map[string][]byte)}
}

func (s *stubIdentity) setManager(verifier, manager []byte) {
	s.managers[string(verifier)] = append([]byte(nil), manager...)
}

func (s *stubIdentity) AssetManagerOf(verifier []byte) ([]byte, bool, error) {
	manager, ok := s.managers[string(verifier)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), manager...), true, nil
}

type stubVault struct {
	balance      *big.Int
	paid         map[string]*big.Int
	failTransfer bool
}

func newStubVault() *stubVault {
	return &stubVault{balance: big.NewInt(0), paid: make(map[string]*big.Int)}
}

func (s *stubVault) Transfer(to []byte, amount *big.Int) error {
	if s.failTransfer {
		return fmt.Errorf("vault unavailable")
	}
	if s.balance.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient custody balance")
	}
	s.balance = new(big.Int).Sub(s.balance, amount)
	key := string(to)
	if s.paid[key] == nil {
		s.paid[key] = big.NewInt(0)
	}
	s.paid[key] = new(big.Int).Add(s.paid[key], amount)
	return nil
}

func (s *stubVault) Deposit(from []byte, amount *big.Int) error {
	s.balance = new(big.Int).Add(s.balance, amount)
	return nil
}

func (s *stubVault) Balance() (*big.Int, error) {
	return new(big.Int).Set(s.balance), nil
}

func (s *stubVault) paidTo(addr []byte) *big.Int {
	if amount, ok := s.paid[string(addr)]; ok {
		return new(big.Int).Set(amount)
	}
	return big.NewInt(0)
}

func addr(last byte) []byte {
	a := make([]byte, 20)
	a[19] = last
	return a
}

var (
	cronAddr      = addr(0xC1)
	adminAddr     = addr(0xA1)
	monitorAddr   = addr(0xB1)
	managerAddr   = addr(0xD1)
	emergencyAddr = addr(0xE1)
	treasuryAddr  = addr(0xF1)
)

type testEnv struct {
	engine  *Engine
	state   *mockRewardsState
	vault   *stubVault
	power   *stubPower
	oracle  *stubOracle
	ident   *stubIdentity
	emitter *captureEmitter
	clock   time.Time
}

const testEpochDuration = 100

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		state:   newMockRewardsState(),
		vault:   newStubVault(),
		power:   newStubPower(),
		oracle:  newStubOracle(),
		ident:   newStubIdentity(),
		emitter: &captureEmitter{},
		clock:   time.Unix(1_700_000_000, 0).UTC(),
	}
	env.state.globals = &Globals{CurrentEpoch: 1}
	env.state.globals.normalize()
	first := &Epoch{ID: 1, Status: EpochVoting, StartTime: uint64(env.clock.Unix())}
	first.normalize()
	env.state.epochs[1] = first
	env.state.grantRole(RoleCron, cronAddr)
	env.state.grantRole(RoleGlobalAdmin, adminAddr)
	env.state.grantRole(RoleMonitor, monitorAddr)
	env.state.grantRole(RoleAssetManager, managerAddr)
	env.state.grantRole(RoleEmergencyHandler, emergencyAddr)

	engine := NewEngine()
	engine.SetState(env.state)
	engine.SetEmitter(env.emitter)
	engine.SetPowerSource(env.power)
	engine.SetSubsidyOracle(env.oracle)
	engine.SetIdentityDirectory(env.ident)
	engine.SetVault(env.vault)
	engine.SetTreasury(treasuryAddr)
	engine.SetParams(Params{
		EpochDuration:          testEpochDuration,
		MaxDelegateFeeBps:      3_000,
		RegistrationFee:        big.NewInt(100),
		FeeIncreaseDelayEpochs: 2,
		SweepDelayEpochs:       2,
	})
	engine.SetNowFunc(func() time.Time { return env.clock })
	env.engine = engine
	return env
}

func (env *testEnv) advance(seconds int64) {
	env.clock = env.clock.Add(time.Duration(seconds) * time.Second)
}

func (env *testEnv) createPool(t *testing.T) uint64 {
	t.Helper()
	id, err := env.engine.CreatePool(adminAddr)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	return id
}

func (env *testEnv) endEpoch(t *testing.T) {
	t.Helper()
	env.advance(testEpochDuration)
	if err := env.engine.EndEpoch(cronAddr); err != nil {
		t.Fatalf("end epoch: %v", err)
	}
}

func (env *testEnv) verifyAll(t *testing.T) {
	t.Helper()
	if err := env.engine.ProcessVerifierChecks(cronAddr, true, nil); err != nil {
		t.Fatalf("verifier checks: %v", err)
	}
}

func (env *testEnv) processPool(t *testing.T, pool uint64, rewards, subsidies int64) {
	t.Helper()
	err := env.engine.ProcessRewardsAndSubsidies(cronAddr, []uint64{pool},
		[]*big.Int{big.NewInt(rewards)}, []*big.Int{big.NewInt(subsidies)})
	if err != nil {
		t.Fatalf("process pool %d: %v", pool, err)
	}
}

func (env *testEnv) finalize(t *testing.T) {
	t.Helper()
	if err := env.engine.FinalizeEpoch(cronAddr); err != nil {
		t.Fatalf("finalize epoch: %v", err)
	}
}

func (env *testEnv) vote(t *testing.T, voter []byte, pool uint64, amount int64, delegated bool) {
	t.Helper()
	err := env.engine.Vote(voter, []uint64{pool}, []*big.Int{big.NewInt(amount)}, delegated)
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
}

func (env *testEnv) currentEpochID() uint64 {
	return env.state.globals.CurrentEpoch
}

func TestEngineRequiresState(t *testing.T) {
	engine := NewEngine()
	if err := engine.EndEpoch(cronAddr); err != ErrStateNotConfigured {
		t.Fatalf("expected ErrStateNotConfigured, got %v", err)
	}
	if _, err := engine.CreatePool(adminAddr); err != ErrStateNotConfigured {
		t.Fatalf("expected ErrStateNotConfigured, got %v", err)
	}
}

func TestEngineRejectsUnknownRoles(t *testing.T) {
	env := newTestEnv(t)
	outsider := addr(0x99)
	if err := env.engine.EndEpoch(outsider); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := env.engine.CreatePool(outsider); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := env.engine.Pause(outsider); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}
