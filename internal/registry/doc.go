// Package registry は録画セッションの現在状態と履歴を保持する
//
// # 責務
// - カメラごとの実行中セッションの追跡
// - 終了済みセッションの履歴管理
// - 同一カメラでの二重録画の防止
//
// # 仕様
// - 書き込みはセッションを所有するカメラワーカーからのみ行われる
// - 読み取りはAPI層から並行に行われるためRWMutexで保護する
// - 実行中(Running)のセッションはカメラごとに高々1つ
// - 終了時刻(EndedAt)は終了済みセッションにのみ設定される
package registry
