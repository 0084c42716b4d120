// Package machine はマシン稼働イベントの正規化と状態遷移を担う
//
// # 責務
// - 受信したマシン稼働イベントの重複・順序乱れ・不正値の排除
// - マシンごとの Idle / Active 状態遷移の管理
// - 状態遷移に応じた録画インテント（Begin / End）の生成
// - マシンごとの境界付きイベントキューとFIFO処理
//
// # 仕様
// - マシンごとに独立した状態を持ち、他マシンの処理をブロックしない
// - 状態を変えないイベントは破棄する（重複抑制）
// - 許容時間より古いイベントは順序乱れとして破棄する
// - キューあふれ時は最古のイベントを捨てる（受信側を決してブロックしない）
package machine
